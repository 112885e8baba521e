// Command elf is the main entry point for the Elf companion server.
//
// Usage:
//
//	elf [-config elf.yaml]
//	elf enroll [-config elf.yaml] -file users.yaml
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/elf/internal/app"
	"github.com/MrWong99/elf/internal/config"
	"github.com/MrWong99/elf/internal/resilience"
	"github.com/MrWong99/elf/pkg/audio"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/forecast"
	"github.com/MrWong99/elf/pkg/provider/forecast/kma"
	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/elf/pkg/provider/llm/openai"
	"github.com/MrWong99/elf/pkg/provider/stt"
	"github.com/MrWong99/elf/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/elf/pkg/provider/stt/openai"
	"github.com/MrWong99/elf/pkg/provider/stt/whisper"
	"github.com/MrWong99/elf/pkg/provider/tts"
	"github.com/MrWong99/elf/pkg/provider/tts/coqui"
	oatts "github.com/MrWong99/elf/pkg/provider/tts/openai"
	"github.com/MrWong99/elf/pkg/store"
	"github.com/MrWong99/elf/pkg/store/postgres"
)

func main() {
	// Secrets usually live in .env during development; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "elf: load .env: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "enroll" {
		os.Exit(enroll(os.Args[2:]))
	}
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "elf.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("elf starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.Reload, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func loadConfig(path string) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "elf: config file %q not found, copy configs/example.yaml to get started\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "elf: %v\n", err)
		}
		return nil, false
	}
	return cfg, true
}

// ── Enrollment ────────────────────────────────────────────────────────────────

// enrollFile is the document read by the enroll subcommand.
type enrollFile struct {
	Users []store.Enrollment `yaml:"users"`
}

// enroll registers every user in a YAML file with the configured store.
func enroll(args []string) int {
	fs := flag.NewFlagSet("enroll", flag.ContinueOnError)
	configPath := fs.String("config", "elf.yaml", "path to the YAML configuration file")
	file := fs.String("file", "", "YAML file with a top-level users list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "elf enroll: -file is required")
		fs.Usage()
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel.Level()))

	if cfg.Store.Driver != config.StorePostgres {
		fmt.Fprintf(os.Stderr, "elf enroll: store driver %q does not persist, nothing to enroll into\n", cfg.Store.Driver)
		return 1
	}

	users, err := readEnrollments(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elf enroll: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.Open(ctx, cfg.Store.DSN, profile.Normalizer{Offset: cfg.Schedule.Offset},
		postgres.WithMigrate(cfg.Store.Migrate))
	if err != nil {
		fmt.Fprintf(os.Stderr, "elf enroll: %v\n", err)
		return 1
	}
	defer st.Close()

	failed := 0
	for _, u := range users {
		if err := st.Enroll(ctx, u); err != nil {
			slog.Error("enrollment failed", "user_id", u.UserID, "err", err)
			failed++
			continue
		}
		slog.Info("user enrolled", "user_id", u.UserID, "name", u.Name)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "elf enroll: %d of %d users failed\n", failed, len(users))
		return 1
	}
	return 0
}

func readEnrollments(path string) ([]store.Enrollment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f enrollFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("%s lists no users", path)
	}
	return f.Users, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries > 0 {
			opts = append(opts, oallm.WithMaxRetries(entry.MaxRetries))
		}
		model := entry.Model
		if model == "" {
			model = "gpt-4o"
		}
		return oallm.New(entry.APIKey, model, opts...)
	})

	// Every other vendor goes through any-llm-go; openai keeps its native
	// adapter for retries and timeouts.
	for _, vendor := range anyllm.Vendors() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oastt.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries > 0 {
			opts = append(opts, oastt.WithMaxRetries(entry.MaxRetries))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(entry.Timeout))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := config.OptString(entry.Options, "keywords"); kw != "" {
			words := strings.Split(kw, ",")
			for i := range words {
				words[i] = strings.TrimSpace(words[i])
			}
			opts = append(opts, deepgram.WithKeywords(words...))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, deepgram.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries > 0 {
			opts = append(opts, deepgram.WithRetries(entry.MaxRetries))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	// The app plays 16 kHz mono only, so every synthesiser is normalised.

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oatts.WithVoice(voice))
		}
		if speed, ok := config.OptFloat(entry.Options, "speed"); ok {
			opts = append(opts, oatts.WithSpeed(speed))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oatts.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries > 0 {
			opts = append(opts, oatts.WithMaxRetries(entry.MaxRetries))
		}
		p, err := oatts.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return tts.Normalized(p, audio.VoiceFormat), nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := config.OptString(entry.Options, "speaker"); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if mode := config.OptString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		p, err := coqui.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return tts.Normalized(p, audio.VoiceFormat), nil
	})

	// ── Forecast ──────────────────────────────────────────────────────────────

	reg.RegisterForecast("kma", func(entry config.ProviderEntry) (forecast.Provider, error) {
		var opts []kma.Option
		nx, okx := config.OptInt(entry.Options, "nx")
		ny, oky := config.OptInt(entry.Options, "ny")
		if okx && oky {
			opts = append(opts, kma.WithGrid(nx, ny))
		}
		if entry.BaseURL != "" {
			opts = append(opts, kma.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, kma.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries > 0 {
			opts = append(opts, kma.WithRetries(entry.MaxRetries))
		}
		return kma.New(entry.APIKey, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Entries with fallbacks are wrapped in a failover with one circuit breaker
// per backend.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	breaker := resilience.BreakerConfig{
		MaxFailures:  pc.Breaker.MaxFailures,
		ResetTimeout: pc.Breaker.ResetTimeout,
	}
	ps := &app.Providers{}

	chat, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	ps.LLM = chat
	if len(pc.LLM.Fallbacks) > 0 {
		fo := resilience.NewLLMFailover(pc.LLM.Name, chat, breaker)
		for _, fb := range pc.LLM.Fallbacks {
			p, err := reg.CreateLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			fo.Add(fb.Name, p)
		}
		ps.LLM = fo
	}
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "fallbacks", len(pc.LLM.Fallbacks))

	transcriber, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	ps.STT = transcriber
	if len(pc.STT.Fallbacks) > 0 {
		fo := resilience.NewSTTFailover(pc.STT.Name, transcriber, breaker)
		for _, fb := range pc.STT.Fallbacks {
			p, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			fo.Add(fb.Name, p)
		}
		ps.STT = fo
	}
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name, "fallbacks", len(pc.STT.Fallbacks))

	speaker, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", pc.TTS.Name, err)
	}
	ps.TTS = speaker
	if len(pc.TTS.Fallbacks) > 0 {
		fo := resilience.NewTTSFailover(pc.TTS.Name, speaker, breaker)
		for _, fb := range pc.TTS.Fallbacks {
			p, err := reg.CreateTTS(fb)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
			}
			fo.Add(fb.Name, p)
		}
		ps.TTS = fo
	}
	slog.Info("provider created", "kind", "tts", "name", pc.TTS.Name, "fallbacks", len(pc.TTS.Fallbacks))

	if name := pc.Forecast.Name; name != "" {
		f, err := reg.CreateForecast(pc.Forecast)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown forecast provider, weather greetings disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create forecast provider %q: %w", name, err)
		} else {
			ps.Forecast = f
			slog.Info("provider created", "kind", "forecast", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Elf startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Forecast", cfg.Providers.Forecast.Name, "")
	printRow("Store", string(cfg.Store.Driver))
	printRow("Timezone", cfg.Schedule.Timezone)
	if cfg.Audio.ArchiveDir != "" {
		printRow("Audio archive", cfg.Audio.ArchiveDir)
	} else {
		printRow("Audio archive", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
