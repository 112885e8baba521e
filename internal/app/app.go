// Package app wires all Elf subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject a store via [WithStore]. When no store is injected,
// New opens the one named by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/elf/internal/config"
	"github.com/MrWong99/elf/internal/conversation"
	"github.com/MrWong99/elf/internal/gateway"
	"github.com/MrWong99/elf/internal/greeting"
	"github.com/MrWong99/elf/internal/health"
	"github.com/MrWong99/elf/internal/observe"
	"github.com/MrWong99/elf/internal/registry"
	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/audio"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/forecast"
	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/provider/stt"
	"github.com/MrWong99/elf/pkg/provider/tts"
	"github.com/MrWong99/elf/pkg/store"
	storemock "github.com/MrWong99/elf/pkg/store/mock"
	"github.com/MrWong99/elf/pkg/store/postgres"
)

// readHeaderTimeout bounds the HTTP request line and headers, including the
// websocket upgrade request.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. LLM, STT and TTS
// are required; a nil Forecast disables weather greetings. Populated by
// main.go via the config registry.
type Providers struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Forecast forecast.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	version   atomic.Pointer[string]

	// Subsystems, initialised in New and torn down in Shutdown.
	store     store.Store
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	registry  *registry.Registry
	gateway   *gateway.Handler
	health    *health.Handler
	handler   http.Handler
	server    *http.Server

	// closers run in order at the end of Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The caller
// keeps ownership; Shutdown does not close it.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands the logger's level to the app so [App.Reload] can
// change verbosity without a restart.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	v := cfg.Server.Version
	a.version.Store(&v)

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: load timezone: %w", err)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	if err := a.initTelemetry(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	if err := a.initServer(loc); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// initStore opens the configured store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	norm := profile.Normalizer{Offset: a.cfg.Schedule.Offset}
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		mem := storemock.New()
		mem.Normalizer = norm
		a.store = mem
		a.log.Warn("using in-memory store; conversations are lost on exit")
		return nil

	case config.StorePostgres:
		pg, err := postgres.Open(ctx, a.cfg.Store.DSN, norm, postgres.WithMigrate(a.cfg.Store.Migrate))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
		if a.cfg.Store.Migrate {
			a.log.Info("store schema applied")
		}
		a.store = pg
		return nil

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

// initTelemetry installs the OTel providers and builds the metric
// instruments.
func (a *App) initTelemetry(ctx context.Context) error {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: a.cfg.Server.Version,
	})
	if err != nil {
		return err
	}
	a.telemetry = tel
	// Telemetry flushes before the store closes.
	a.closers = append([]func(context.Context) error{tel.Shutdown}, a.closers...)

	m, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initServer builds the conversation pipeline and the HTTP surface.
func (a *App) initServer(loc *time.Location) error {
	cfg := a.cfg

	sessionOpts := []session.Option{
		session.WithLocation(loc),
		session.WithLogger(a.log),
	}
	if cfg.Schedule.Tolerance > 0 {
		sessionOpts = append(sessionOpts, session.WithTolerance(cfg.Schedule.Tolerance))
	}
	sessions := session.NewManager(a.store, sessionOpts...)
	summariser := session.NewSummariser(a.providers.LLM, a.store, session.WithSummariserLogger(a.log))

	a.registry = registry.New(a.store, sessions, summariser,
		registry.WithLogger(a.log),
		registry.WithObserver(a.metrics),
	)
	greeter := greeting.New(sessions, summariser, a.providers.LLM, a.providers.Forecast, a.store,
		greeting.WithLogger(a.log),
	)

	engineOpts := []conversation.Option{conversation.WithLogger(a.log)}
	if t, ok := config.OptFloat(cfg.Providers.LLM.Options, "temperature"); ok {
		engineOpts = append(engineOpts, conversation.WithTemperature(t))
	}
	if n, ok := config.OptInt(cfg.Providers.LLM.Options, "max_tokens"); ok {
		engineOpts = append(engineOpts, conversation.WithMaxTokens(n))
	}
	engine := conversation.New(sessions, a.providers.LLM, engineOpts...)

	var archive *audio.Archive
	if dir := cfg.Audio.ArchiveDir; dir != "" {
		ar, err := audio.NewArchive(dir)
		if err != nil {
			return fmt.Errorf("audio archive: %w", err)
		}
		archive = ar
	}

	a.gateway = gateway.New(gateway.Deps{
		Registry: a.registry,
		Sessions: sessions,
		Greeter:  greeter,
		Engine:   engine,
		Store:    a.store,
		STT:      a.providers.STT,
		TTS:      a.providers.TTS,
		Archive:  archive,
		Metrics:  a.metrics,
		Providers: gateway.ProviderNames{
			LLM: cfg.Providers.LLM.Name,
			STT: cfg.Providers.STT.Name,
			TTS: cfg.Providers.TTS.Name,
		},
	},
		gateway.WithLogger(a.log),
		gateway.WithCommandTimeout(cfg.Server.CommandTimeout),
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		gateway.WithVersion(a.versionSource()),
	)

	a.health = health.New(health.PingChecker("store", a.store))

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.telemetry.MetricsHandler)

	a.handler = observe.Middleware(a.metrics,
		observe.WithRequestLogger(a.log),
		observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
	)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

// versionSource answers the version command from the version file when one
// is configured, otherwise from the hot-reloadable config value.
func (a *App) versionSource() func(context.Context) (string, error) {
	if path := a.cfg.Server.VersionFile; path != "" {
		return gateway.VersionFile(path)
	}
	return func(ctx context.Context) (string, error) {
		return gateway.StaticVersion(*a.version.Load())(ctx)
	}
}

// Handler returns the root HTTP handler: websocket, health and metrics
// routes behind the metrics middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		a.log.Info("server listening", "addr", ln.Addr().String(), "tls", tls != nil)

		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown stops accepting connections, closes every live websocket,
// summarises the remaining sessions and then closes telemetry and the store.
// It is safe to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "live_sessions", a.registry.Len())
		a.health.Drain()

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.registry.ReleaseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.closeAll(ctx))

		if a.stopErr = errors.Join(errs...); a.stopErr != nil {
			a.stopErr = fmt.Errorf("app: shutdown: %w", a.stopErr)
			a.log.Warn("shutdown finished with errors", "err", a.stopErr)
			return
		}
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// closeAll runs the closers in order. It respects the context deadline:
// once ctx expires the remaining closers are skipped.
func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i, closer := range a.closers {
		if err := ctx.Err(); err != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			errs = append(errs, err)
			break
		}
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Reload applies a changed configuration. Log level and version take effect
// immediately; every other change is reported as needing a restart.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change ignored; logger level is fixed", "level", d.NewLogLevel)
		}
	}
	if d.VersionChanged {
		v := d.NewVersion
		a.version.Store(&v)
		a.log.Info("version changed", "version", v)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}
