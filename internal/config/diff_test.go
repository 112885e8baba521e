package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/elf/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, Version: "1.0"},
		Store:  config.StoreConfig{Driver: config.StoreMemory},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Options: map[string]any{"temperature": 0.5}},
			STT: config.ProviderEntry{Name: "openai"},
			TTS: config.ProviderEntry{Name: "openai"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantLevel   config.LogLevel
		wantVersion string
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:      "log level",
			mutate:    func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLevel: config.LogDebug,
		},
		{
			name:        "version",
			mutate:      func(c *config.Config) { c.Server.Version = "1.1" },
			wantVersion: "1.1",
		},
		{
			name:        "listen address needs restart",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			wantRestart: []string{"server"},
		},
		{
			name: "several sections",
			mutate: func(c *config.Config) {
				c.Schedule.Tolerance = 5 * time.Minute
				c.Providers.LLM.Options = map[string]any{"temperature": 0.7}
				c.Audio.ArchiveDir = "/tmp/audio"
			},
			wantRestart: []string{"audio", "providers", "schedule"},
		},
		{
			name: "live and restart together",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogWarn
				c.Store.Driver = config.StorePostgres
			},
			wantLevel:   config.LogWarn,
			wantRestart: []string{"store"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != (tt.wantLevel != "") || d.NewLogLevel != tt.wantLevel {
				t.Errorf("log level diff = %v/%q, want %q", d.LogLevelChanged, d.NewLogLevel, tt.wantLevel)
			}
			if d.VersionChanged != (tt.wantVersion != "") || d.NewVersion != tt.wantVersion {
				t.Errorf("version diff = %v/%q, want %q", d.VersionChanged, d.NewVersion, tt.wantVersion)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("restart required = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			wantEmpty := tt.wantLevel == "" && tt.wantVersion == "" && len(tt.wantRestart) == 0
			if d.Empty() != wantEmpty {
				t.Errorf("Empty() = %v, want %v", d.Empty(), wantEmpty)
			}
		})
	}
}
