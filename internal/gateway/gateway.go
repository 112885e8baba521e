// Package gateway serves the companion app's websocket connection.
//
// Each connection runs one sequential read loop: a frame is parsed, handled
// to completion and answered before the next frame is read. Commands for the
// same user id are additionally serialised through the registry lock so a
// reconnecting client cannot interleave with its predecessor.
//
// Command contexts are detached from the connection: a client that hangs up
// mid-turn lets the in-flight provider call finish (bounded by the command
// timeout) before the session is summarised and released.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/elf/internal/conversation"
	"github.com/MrWong99/elf/internal/greeting"
	"github.com/MrWong99/elf/internal/observe"
	"github.com/MrWong99/elf/internal/protocol"
	"github.com/MrWong99/elf/internal/registry"
	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/audio"
	"github.com/MrWong99/elf/pkg/provider/stt"
	"github.com/MrWong99/elf/pkg/provider/tts"
	"github.com/MrWong99/elf/pkg/store"
)

// ErrCapability marks a failed external capability call (transcription,
// chat completion or speech synthesis). The connection is closed after the
// error frame is sent.
var ErrCapability = errors.New("gateway: capability failure")

var (
	errNotRegistered = errors.New("gateway: user not enrolled")
	errConnLost      = errors.New("gateway: connection lost")
)

const (
	// DefaultCommandTimeout bounds the handling of one command.
	DefaultCommandTimeout = 90 * time.Second

	// DefaultReadLimit is the largest accepted client frame. A minute of
	// 16 kHz mono PCM is about 2.5 MB after base64.
	DefaultReadLimit = 16 << 20

	// historyLimit is the number of turns returned by prev_cvs.
	historyLimit = 20

	writeTimeout   = 10 * time.Second
	releaseTimeout = 2 * time.Minute
)

// Path is the route pattern the handler is registered under.
const Path = "GET /ws/{userID}"

// ProviderNames labels provider metrics.
type ProviderNames struct {
	LLM string
	STT string
	TTS string
}

// Deps are the collaborators of a [Handler]. All fields are required except
// Archive; without an archive user recordings are not kept.
type Deps struct {
	Registry  *registry.Registry
	Sessions  *session.Manager
	Greeter   *greeting.Greeter
	Engine    *conversation.Engine
	Store     store.Store
	STT       stt.Provider
	TTS       tts.Provider
	Archive   *audio.Archive
	Metrics   *observe.Metrics
	Providers ProviderNames
}

// Handler is the websocket endpoint.
type Handler struct {
	deps Deps
	log  *slog.Logger

	commandTimeout time.Duration
	readLimit      int64
	origins        []string
	version        func(ctx context.Context) (string, error)

	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithCommandTimeout bounds the handling of a single command.
func WithCommandTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.commandTimeout = d
		}
	}
}

// WithReadLimit sets the maximum client frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin upgrades from the given host
// patterns. The mobile app sends no Origin header and needs none.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithVersion sets the source of the version command's answer.
func WithVersion(fn func(ctx context.Context) (string, error)) Option {
	return func(h *Handler) { h.version = fn }
}

// StaticVersion answers every version command with v.
func StaticVersion(v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		if v == "" {
			return "", errors.New("gateway: no version configured")
		}
		return v, nil
	}
}

// VersionFile answers the version command with the first line of path,
// re-read on every request so deployments can bump it without a restart.
func VersionFile(path string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("gateway: read version: %w", err)
		}
		line, _, _ := strings.Cut(string(b), "\n")
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
		return "", fmt.Errorf("gateway: version file %s is empty", path)
	}
}

// New creates a [Handler].
func New(deps Deps, opts ...Option) *Handler {
	h := &Handler{
		deps:           deps,
		log:            slog.Default(),
		commandTimeout: DefaultCommandTimeout,
		readLimit:      DefaultReadLimit,
		version:        StaticVersion(""),
		conns:          make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the websocket route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(Path, h)
}

// conn is the per-connection state of the read loop.
type conn struct {
	ws    *websocket.Conn
	entry *registry.Entry
	log   *slog.Logger
}

func (c *conn) send(ctx context.Context, frames ...string) error {
	for _, f := range frames {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, []byte(f))
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %w", errConnLost, err)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and runs the connection until the client
// disconnects or a capability fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("websocket accept failed", "user_id", userID, "err", err)
		return
	}
	if !h.track(ws) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(ws)
	ws.SetReadLimit(h.readLimit)

	ctx := r.Context()
	connID := uuid.NewString()
	log := h.log.With("user_id", userID, "conn_id", connID)

	entry, err := h.deps.Registry.Connect(ctx, userID, connID)
	if err != nil {
		log.Error("connect failed", "err", err)
		ws.Close(websocket.StatusInternalError, "store unavailable")
		return
	}
	log.Info("client connected", "registered", entry.Registered())

	c := &conn{ws: ws, entry: entry, log: log}
	status, reason := h.loop(ctx, c)

	// The release summarises the session; it must survive the request
	// context, which is gone once the client hangs up.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.deps.Registry.Release(rctx, entry); err != nil {
		log.Warn("release failed", "err", err)
	}
	ws.Close(status, reason)
	log.Info("client disconnected", "reason", reason)
}

func (h *Handler) track(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[ws] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown closes every open connection with StatusGoingAway and waits until
// each has been released, which summarises its session. New upgrades are
// refused from the first call on.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.Unlock()

	for _, ws := range conns {
		// Close waits for the peer's close frame; do not serialise on it.
		go ws.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

// loop reads and handles frames until the connection ends. It returns the
// close status to send.
func (h *Handler) loop(ctx context.Context, c *conn) (websocket.StatusCode, string) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.log.Debug("read failed", "err", err)
			}
			return websocket.StatusNormalClosure, "bye"
		}
		if typ != websocket.MessageText {
			h.malformed(ctx, c, errors.New("binary frame"))
			continue
		}

		req, err := protocol.Parse(string(data), c.entry.UserID)
		if err != nil {
			h.malformed(ctx, c, err)
			continue
		}

		if err := h.serve(ctx, c, req); err != nil {
			if errors.Is(err, errConnLost) {
				return websocket.StatusNormalClosure, "connection lost"
			}
			c.log.Error("closing connection after capability failure", "command", req.Command, "err", err)
			return websocket.StatusInternalError, "service unavailable"
		}
	}
}

func (h *Handler) malformed(ctx context.Context, c *conn, err error) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.MalformedCommands.Add(ctx, 1)
	}
	c.log.Debug("ignoring malformed frame", "err", err)
}

// serve runs one command under the user lock. Only connection loss and
// capability failures are returned; every other failure is answered with
// the command's error frame and the loop continues.
func (h *Handler) serve(ctx context.Context, c *conn, req protocol.Request) error {
	unlock := h.deps.Registry.Lock(c.entry.UserID)
	defer unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.commandTimeout)
	defer cancel()
	cctx, span := observe.StartSpan(cctx, "gateway."+string(req.Command))
	defer span.End()

	start := time.Now()
	err := h.dispatch(cctx, c, req)
	cause := err

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errConnLost):
		status = "disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
		observe.Logger(cctx, c.log).Warn("command timed out", "command", req.Command, "err", err)
		err = c.send(ctx, protocol.ErrorFrame(req.Command))
	case errors.Is(err, ErrCapability):
		status = "error"
		// The connection is closed next regardless of this write.
		_ = c.send(ctx, protocol.ErrorFrame(req.Command))
	default:
		status = "error"
		observe.Logger(cctx, c.log).Warn("command failed", "command", req.Command, "err", err)
		err = c.send(ctx, protocol.ErrorFrame(req.Command))
	}

	observe.EndSpan(span, status, cause)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordCommand(ctx, string(req.Command), status, time.Since(start))
	}
	return err
}

func (h *Handler) dispatch(ctx context.Context, c *conn, req protocol.Request) error {
	switch req.Command {
	case protocol.Version:
		return h.handleVersion(ctx, c)
	case protocol.Search:
		return h.handleSearch(ctx, c)
	case protocol.Register:
		return h.handleRegister(ctx, c, req.Arg)
	case protocol.PrevCvs:
		return h.handlePrevCvs(ctx, c)
	case protocol.WelcomeTTS:
		return h.handleWelcome(ctx, c)
	case protocol.HumanCvs:
		return h.handleHumanCvs(ctx, c, req.Arg)
	}
	return fmt.Errorf("%w: %s", protocol.ErrMalformedCommand, req.Command)
}

func (h *Handler) handleVersion(ctx context.Context, c *conn) error {
	v, err := h.version(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, protocol.Frame(string(protocol.Version), v))
}

func (h *Handler) handleSearch(ctx context.Context, c *conn) error {
	p := c.entry.Profile()
	if p == nil {
		return c.send(ctx, protocol.Frame(string(protocol.Search), protocol.PayloadErrorNoUser))
	}
	b, err := json.Marshal(protocol.NewUserInfo(p))
	if err != nil {
		return fmt.Errorf("gateway: encode user info: %w", err)
	}
	return c.send(ctx, protocol.Frame(string(protocol.Search), string(b)))
}

func (h *Handler) handleRegister(ctx context.Context, c *conn, name string) error {
	ok, err := h.deps.Store.Rebind(ctx, c.entry.UserID, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("gateway: register: %w", err)
	}
	if !ok {
		c.log.Info("register found no user with that name", "name", name)
		return c.send(ctx, protocol.ErrorFrame(protocol.Register))
	}
	if _, err := h.deps.Registry.Refresh(ctx, c.entry.UserID); err != nil {
		return fmt.Errorf("gateway: register: %w", err)
	}
	return c.send(ctx, protocol.Frame(string(protocol.Register), protocol.PayloadOK))
}

func (h *Handler) handlePrevCvs(ctx context.Context, c *conn) error {
	turns, err := h.deps.Store.RecentTurns(ctx, c.entry.UserID, historyLimit)
	if err != nil {
		c.log.Warn("load history failed", "err", err)
		return c.send(ctx, protocol.Frame(string(protocol.PrevCvs), protocol.PayloadFalse))
	}
	hist, ok := protocol.NewHistory(turns, h.deps.Sessions.Now().Location())
	if !ok {
		return c.send(ctx, protocol.Frame(string(protocol.PrevCvs), protocol.PayloadFalse))
	}
	b, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("gateway: encode history: %w", err)
	}
	return c.send(ctx, protocol.Frame(string(protocol.PrevCvs), string(b)))
}

func (h *Handler) handleWelcome(ctx context.Context, c *conn) error {
	sess, p := c.entry.Session(), c.entry.Profile()
	if sess == nil || p == nil {
		return errNotRegistered
	}

	g, err := h.deps.Greeter.Greet(ctx, sess, p)
	if err != nil {
		return fmt.Errorf("gateway: greet: %w", err)
	}
	if !g.Replayed && h.deps.Metrics != nil {
		h.deps.Metrics.RecordGreeting(ctx, g.Strategy.String(), g.Model)
	}

	wav, err := h.synthesize(ctx, g.Text)
	if err != nil {
		return err
	}
	return c.send(ctx,
		protocol.Frame(string(protocol.WelcomeTTS), base64.StdEncoding.EncodeToString(wav)),
		protocol.Frame(protocol.WelcomeTTSText, g.Text),
	)
}

func (h *Handler) handleHumanCvs(ctx context.Context, c *conn, payload string) error {
	sess, p := c.entry.Session(), c.entry.Profile()
	if sess == nil || p == nil {
		return errNotRegistered
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return fmt.Errorf("gateway: decode audio: %w", err)
	}
	var wav []byte
	if isWAV(raw) {
		if wav, err = audio.NormalizeWAV(raw, audio.VoiceFormat); err != nil {
			return fmt.Errorf("gateway: normalize audio: %w", err)
		}
	} else {
		wav = audio.EncodeWAV(raw, audio.VoiceFormat)
	}
	at := h.deps.Sessions.Now()

	var ref string
	if h.deps.Archive != nil {
		if ref, err = h.deps.Archive.Save(sess.ID, sess.NextTurn(), wav); err != nil {
			c.log.Warn("archive recording failed", "session_id", sess.ID, "err", err)
			ref = ""
		}
	}

	text, err := h.transcribe(ctx, wav)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if err := c.send(ctx, protocol.Frame(protocol.HumanCvsText, text)); err != nil {
		return err
	}
	if text == "" {
		return conversation.ErrEmptyUtterance
	}

	start := time.Now()
	reply, err := h.deps.Engine.Respond(ctx, sess, p, text, at)
	h.observeProvider(ctx, h.deps.Providers.LLM, "llm", start, err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCapability, err)
	}
	if ref != "" && reply.UserTurn > 0 {
		if err := h.deps.Engine.AttachAudio(ctx, sess, ref); err != nil {
			c.log.Warn("attach recording failed", "session_id", sess.ID, "ref", ref, "err", err)
		}
	}

	out, err := h.synthesize(ctx, reply.Text)
	if err != nil {
		return err
	}
	return c.send(ctx,
		protocol.Frame(protocol.AICvs, base64.StdEncoding.EncodeToString(out)),
		protocol.Frame(protocol.AICvsText, reply.Text),
	)
}

func (h *Handler) transcribe(ctx context.Context, wav []byte) (string, error) {
	start := time.Now()
	text, err := h.deps.STT.Transcribe(ctx, wav)
	h.observeProvider(ctx, h.deps.Providers.STT, "stt", start, err)
	if err != nil {
		return "", capabilityError("transcribe", err)
	}
	return text, nil
}

func (h *Handler) synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	wav, err := h.deps.TTS.Synthesize(ctx, text)
	h.observeProvider(ctx, h.deps.Providers.TTS, "tts", start, err)
	if err != nil {
		return nil, capabilityError("synthesize", err)
	}
	return wav, nil
}

// capabilityError keeps deadline errors recoverable and marks everything
// else as a capability failure.
func capabilityError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCapability, op, err)
}

func (h *Handler) observeProvider(ctx context.Context, name, kind string, start time.Time, err error) {
	m := h.deps.Metrics
	if m == nil {
		return
	}
	elapsed := time.Since(start).Seconds()
	switch kind {
	case "stt":
		m.STTDuration.Record(ctx, elapsed)
	case "llm":
		m.LLMDuration.Record(ctx, elapsed)
	case "tts":
		m.TTSDuration.Record(ctx, elapsed)
	}
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, name, kind)
	}
	m.RecordProviderRequest(ctx, name, kind, status)
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
