// Package session holds the live conversational state of one connected user
// and the wrap-up that runs when that state is discarded.
//
// A [Manager] creates a [Session] from a freshly loaded profile: it assigns
// the session id, the time-of-day [Bucket] and the due alarm, if any. Every
// turn goes through [Manager.Record], which persists the turn and only then
// advances the session's turn counter. A [Summariser] closes the session
// exactly once, writing the summary record that seeds the next greeting.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/elf/internal/alarm"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/store"
)

// ErrNoUserTurn is returned by [Manager.AttachAudio] when the session has no
// persisted user turn to attach a recording to.
var ErrNoUserTurn = errors.New("session: no user turn")

// Bucket is a coarse time-of-day classification used to pick greetings.
type Bucket int

const (
	Overnight Bucket = iota
	Morning
	Midday
	Evening
)

// String returns the lower-case bucket name.
func (b Bucket) String() string {
	switch b {
	case Morning:
		return "morning"
	case Midday:
		return "midday"
	case Evening:
		return "evening"
	default:
		return "overnight"
	}
}

// BucketAt classifies t by its wall-clock hour in t's location:
// [06,12) morning, [12,18) midday, [18,24) evening, anything else overnight.
func BucketAt(t time.Time) Bucket {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return Morning
	case h >= 12 && h < 18:
		return Midday
	case h >= 18:
		return Evening
	default:
		return Overnight
	}
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Session is one connection's live conversational state.
type Session struct {
	// ID is the persistence partition key, see [store.SessionID].
	ID       string
	UserID   string
	UserName string

	CreatedAt time.Time
	Bucket    Bucket

	// Due is the alarm matched at creation, nil when none was due.
	Due *alarm.Match

	mu         sync.Mutex
	counter    int
	lastUser   int
	transcript []llm.Message
	opening    string
	greeting   string
	greeted    bool

	closeOnce sync.Once
}

// Turns returns the number of persisted turns.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// NextTurn returns the number the next persisted turn will receive.
func (s *Session) NextTurn() int {
	return s.Turns() + 1
}

// LastUserTurn returns the number of the most recent persisted user turn, or
// zero when there is none.
func (s *Session) LastUserTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUser
}

// Transcript returns a copy of the in-memory transcript in order.
func (s *Session) Transcript() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// OpeningStrategy returns the strategy tag of the first tagged turn, or ""
// when no greeting has been recorded.
func (s *Session) OpeningStrategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opening
}

// Greeting returns the opening greeting produced for this session.
func (s *Session) Greeting() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeting, s.greeted
}

// SetGreeting stores text as the session's greeting. Only the first call has
// an effect; it reports whether text was stored.
func (s *Session) SetGreeting(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greeted {
		return false
	}
	s.greeting, s.greeted = text, true
	return true
}

// Manager creates sessions and records their turns.
type Manager struct {
	store     store.Store
	now       Clock
	loc       *time.Location
	tolerance time.Duration
	log       *slog.Logger
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock sets the clock used for session creation and turn timestamps.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.now = c }
}

// WithLocation sets the zone used for time buckets and alarm matching.
// Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

// WithTolerance sets the alarm matching window. Defaults to
// [alarm.DefaultTolerance].
func WithTolerance(d time.Duration) Option {
	return func(m *Manager) { m.tolerance = d }
}

// WithLogger sets the logger for persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager that persists turns to st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		now:       time.Now,
		loc:       time.UTC,
		tolerance: alarm.DefaultTolerance,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now returns the current time in the manager's location.
func (m *Manager) Now() time.Time {
	return m.now().In(m.loc)
}

// New creates a session for p at the current time.
func (m *Manager) New(p *profile.Profile) *Session {
	now := m.Now().Truncate(time.Second)
	s := &Session{
		ID:        store.SessionID(p.UserID, now),
		UserID:    p.UserID,
		UserName:  p.Name,
		CreatedAt: now,
		Bucket:    BucketAt(now),
	}
	if match, ok := alarm.FindDue(profile.At(now), alarm.Entries(p), m.tolerance); ok {
		s.Due = &match
	}
	m.log.Debug("session created",
		"session_id", s.ID,
		"user_id", s.UserID,
		"bucket", s.Bucket.String(),
		"due", dueCategory(s.Due),
	)
	return s
}

// Turn is the caller-supplied part of a turn passed to [Manager.Record].
type Turn struct {
	Role     store.Role
	Content  string
	Strategy string
	Model    string
	// At defaults to the manager clock when zero.
	At time.Time
}

// Record appends t to the transcript of s and persists it. The turn counter
// advances only when the store accepts the turn, so the returned number is
// zero on failure. The transcript keeps the turn either way; a persistence
// failure is logged and returned but does not invalidate the session.
func (m *Manager) Record(ctx context.Context, s *Session, t Turn) (int, error) {
	at := t.At
	if at.IsZero() {
		at = m.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transcript = append(s.transcript, llm.Message{Role: string(t.Role), Content: t.Content})
	if s.opening == "" && t.Strategy != "" {
		s.opening = t.Strategy
	}

	n := s.counter + 1
	err := m.store.AppendTurn(ctx, store.Turn{
		SessionID:    s.ID,
		Number:       n,
		UserID:       s.UserID,
		UserName:     s.UserName,
		SessionStart: s.CreatedAt,
		Role:         t.Role,
		Content:      t.Content,
		Strategy:     t.Strategy,
		Model:        t.Model,
		CreatedAt:    at,
	})
	if err != nil {
		m.log.Warn("failed to persist turn",
			"session_id", s.ID,
			"role", string(t.Role),
			"err", err,
		)
		return 0, fmt.Errorf("session: record turn: %w", err)
	}
	s.counter = n
	if t.Role == store.RoleUser {
		s.lastUser = n
	}
	return n, nil
}

// Append records t for callers that treat persistence as best effort. A
// store failure has already been logged by [Manager.Record]; Append only
// reports the persisted turn number, zero when the store rejected it.
func (m *Manager) Append(ctx context.Context, s *Session, t Turn) int {
	n, err := m.Record(ctx, s, t)
	if err != nil {
		return 0
	}
	return n
}

// AttachAudio attaches ref to the most recent persisted user turn of s.
func (m *Manager) AttachAudio(ctx context.Context, s *Session, ref string) error {
	n := s.LastUserTurn()
	if n == 0 {
		return ErrNoUserTurn
	}
	if err := m.store.AttachAudio(ctx, s.ID, n, ref); err != nil {
		return fmt.Errorf("session: attach audio: %w", err)
	}
	return nil
}

func dueCategory(m *alarm.Match) string {
	if m == nil {
		return "none"
	}
	return string(m.Category)
}
