package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"openai", "whisper", "deepgram"},
	"tts":      {"openai", "coqui"},
	"forecast": {"kma"},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so that
// secrets containing a dollar sign survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} references in raw with the value of the
// environment variable NAME. Unset variables expand to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.command_timeout %s must not be negative", cfg.Server.CommandTimeout))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.Version == "" && cfg.Server.VersionFile == "" {
		slog.Warn("neither server.version nor server.version_file is set; version commands will fail")
	}

	// Schedule
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone %q: %w", cfg.Schedule.Timezone, err))
		}
	}
	if cfg.Schedule.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("schedule.tolerance %s must not be negative", cfg.Schedule.Tolerance))
	}
	if o := cfg.Schedule.Offset; o <= -24*time.Hour || o >= 24*time.Hour {
		errs = append(errs, fmt.Errorf("schedule.offset %s is out of range (-24h, 24h)", o))
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: postgres, memory", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is postgres"))
	}
	if cfg.Store.Driver == StoreMemory {
		slog.Warn("store.driver is memory; conversations are lost on restart")
	}

	// Providers
	for _, p := range []struct {
		kind     string
		entry    ProviderEntry
		required bool
	}{
		{"llm", cfg.Providers.LLM, true},
		{"stt", cfg.Providers.STT, true},
		{"tts", cfg.Providers.TTS, true},
		{"forecast", cfg.Providers.Forecast, false},
	} {
		if p.entry.Name == "" {
			if p.required {
				errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			}
			continue
		}
		errs = append(errs, validateEntry(p.kind, "providers."+p.kind, p.entry)...)
		if p.kind == "forecast" && len(p.entry.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.forecast.fallbacks is not supported"))
		}
		for i, fb := range p.entry.Fallbacks {
			path := fmt.Sprintf("providers.%s.fallbacks[%d]", p.kind, i)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", path))
				continue
			}
			if len(fb.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", path))
			}
			errs = append(errs, validateEntry(p.kind, path, fb)...)
		}
	}
	if cfg.Providers.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.max_failures %d must not be negative", cfg.Providers.Breaker.MaxFailures))
	}
	if cfg.Providers.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.reset_timeout %s must not be negative", cfg.Providers.Breaker.ResetTimeout))
	}
	if cfg.Providers.Forecast.Name == "" {
		slog.Warn("providers.forecast is not configured; weather greetings will use the scripted fallback")
	}

	return errors.Join(errs...)
}

func validateEntry(kind, path string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", path, e.Timeout))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retries %d must not be negative", path, e.MaxRetries))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
