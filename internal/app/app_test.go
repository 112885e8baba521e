package app_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/elf/internal/app"
	"github.com/MrWong99/elf/internal/config"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/llm"
	llmmock "github.com/MrWong99/elf/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/elf/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/elf/pkg/provider/tts/mock"
	storemock "github.com/MrWong99/elf/pkg/store/mock"
)

// testConfig returns a minimal config backed by the in-memory store.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			LogLevel:        config.LogInfo,
			Version:         "1.0",
			ShutdownTimeout: 5 * time.Second,
		},
		Schedule: config.ScheduleConfig{Timezone: "UTC"},
		Store:    config.StoreConfig{Driver: config.StoreMemory},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "mock"},
			STT: config.ProviderEntry{Name: "mock"},
			TTS: config.ProviderEntry{Name: "mock"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns providers that answer every turn.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Glad to hear it.", Model: "gpt-4o"}},
		STT: &sttmock.Provider{Text: "I slept well."},
		TTS: &ttsmock.Provider{Audio: []byte("RIFF-reply")},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore() *storemock.Store {
	st := storemock.New()
	st.PutProfile(&profile.Profile{UserID: "u1", Name: "Mina"})
	return st
}

func dial(t *testing.T, base, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws/"+userID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, frame string, replies int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write %q: %v", frame, err)
	}
	out := make([]string, 0, replies)
	for range replies {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read reply to %q: %v", frame, err)
		}
		out = append(out, string(data))
	}
	return out
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{"nil", nil},
		{"missing llm", &app.Providers{STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{}}},
		{"missing stt", &app.Providers{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}}},
		{"missing tts", &app.Providers{LLM: &llmmock.Provider{}, STT: &sttmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(context.Background(), testConfig(), tt.providers, app.WithLogger(quietLogger()))
			if err == nil {
				t.Fatal("expected error for incomplete providers")
			}
		})
	}
}

func TestNew_UnknownTimezone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Schedule.Timezone = "Mars/Olympus"
	if _, err := app.New(context.Background(), cfg, testProviders(), app.WithLogger(quietLogger())); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestNew_CreatesArchiveDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.ArchiveDir = filepath.Join(t.TempDir(), "useraudiofile")
	a, err := app.New(context.Background(), cfg, testProviders(), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if fi, err := os.Stat(cfg.Audio.ArchiveDir); err != nil || !fi.IsDir() {
		t.Errorf("archive dir not created: %v", err)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStore(seededStore()),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	c := dial(t, srv.URL, "u1")
	if got := roundTrip(t, c, "version#u1", 1)[0]; got != "version#1.0" {
		t.Errorf("version reply = %q", got)
	}

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusOK, `"store"`},
		{"/metrics", http.StatusOK, "elf_command_duration"},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode {
			t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
		}
		if !strings.Contains(string(body), tt.wantBody) {
			t.Errorf("GET %s body should contain %q, got:\n%s", tt.path, tt.wantBody, body)
		}
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	t.Parallel()

	st := seededStore()
	st.PingErr = errors.New("connection refused")
	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStore(st),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestServe_ShutdownSummarisesLiveSessions(t *testing.T) {
	t.Parallel()

	st := seededStore()
	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStore(st),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	c := dial(t, "http://"+ln.Addr().String(), "u1")
	audioB64 := base64.StdEncoding.EncodeToString(make([]byte, 3200))
	replies := roundTrip(t, c, "human_cvs#u1#"+audioB64, 3)
	if replies[0] != "human_cvs_text#I slept well." {
		t.Errorf("transcript frame = %q", replies[0])
	}
	if replies[2] != "ai_cvs_text#Glad to hear it." {
		t.Errorf("reply text frame = %q", replies[2])
	}

	closed := make(chan error, 1)
	go func() {
		_, _, err := c.Read(context.Background())
		closed <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	select {
	case err := <-closed:
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client was not closed")
	}

	sums := st.Summaries()
	if len(sums) != 1 {
		t.Fatalf("summaries = %d, want 1", len(sums))
	}
	if sums[0].UserID != "u1" || sums[0].Text == "" {
		t.Errorf("summary = %+v", sums[0])
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestReload_LiveSettings(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig()
	a, err := app.New(context.Background(), old, testProviders(),
		app.WithStore(seededStore()),
		app.WithLogger(quietLogger()),
		app.WithLevelVar(level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Server.Version = "1.1"
	updated.Server.ListenAddr = ":9999"
	a.Reload(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	c := dial(t, srv.URL, "u1")
	if got := roundTrip(t, c, "version#u1", 1)[0]; got != "version#1.1" {
		t.Errorf("version reply after reload = %q", got)
	}
}

func TestVersionFile_TakesPrecedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "VERSION")
	if err := os.WriteFile(path, []byte("2.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Server.VersionFile = path

	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithStore(seededStore()),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	c := dial(t, srv.URL, "u1")
	if got := roundTrip(t, c, "version#u1", 1)[0]; got != "version#2.0.1" {
		t.Errorf("version reply = %q", got)
	}
}
