// Package store defines the persistence interface for user profiles,
// conversation turns and session summaries.
//
// The store is the writer of record. In-memory session state is a cache over
// it; every turn and summary is durable once the corresponding method
// returns nil.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
)

var (
	// ErrProfileNotFound is returned when no profile exists for a user id.
	ErrProfileNotFound = errors.New("store: profile not found")

	// ErrUnavailable wraps failures of the underlying database.
	ErrUnavailable = errors.New("store: unavailable")
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleInitialization marks the synthetic turn written at enrollment.
	RoleInitialization Role = "initialization"
)

// Turn is one persisted conversation turn.
type Turn struct {
	SessionID string
	// Number is the 1-based position of the turn within its session.
	Number int
	UserID string
	// UserName is the display name at the time the turn was written.
	UserName string
	// SessionStart is when the owning session was created.
	SessionStart time.Time
	Role         Role
	Content      string
	// Strategy is the greeting strategy tag; empty for ordinary chat turns.
	Strategy string
	// Model identifies what produced the content (a model id or "scripted").
	Model string
	// AudioRef points at the archived recording of a user turn, if any.
	AudioRef  string
	CreatedAt time.Time
}

// Summary is the wrap-up record written once per closed session.
type Summary struct {
	SessionID    string
	UserID       string
	UserName     string
	SessionStart time.Time
	// Strategy is inherited from the session's opening turn.
	Strategy string
	Model    string
	// Text is empty when the session had no user reply.
	Text         string
	NextGreeting string
	CreatedAt    time.Time
}

// Enrollment is the data needed to register a new user.
type Enrollment struct {
	UserID       string                `yaml:"user_id"`
	Name         string                `yaml:"name"`
	Sex          string                `yaml:"sex"`
	Age          *int                  `yaml:"age"`
	Diseases     []string              `yaml:"diseases"`
	HealthIssues string                `yaml:"health_issues"`
	Medications  []profile.RawSchedule `yaml:"medications"`
	Injections   []profile.RawSchedule `yaml:"injections"`
	CasualTimes  []string              `yaml:"casual_times"`
}

// WelcomeMessage is the content of the initialization turn written at
// enrollment.
const WelcomeMessage = "Hello, my name is Elf. Nice to meet you!"

// Store is the persistence abstraction consumed by the session core.
type Store interface {
	// LoadProfile returns the normalised profile for userID, including the
	// most recent summary. Returns [ErrProfileNotFound] when the user is
	// unknown.
	LoadProfile(ctx context.Context, userID string) (*profile.Profile, error)

	// AppendTurn persists t. Turns are append-only.
	AppendTurn(ctx context.Context, t Turn) error

	// AttachAudio sets the audio reference of turn number in sessionID.
	AttachAudio(ctx context.Context, sessionID string, number int, ref string) error

	// SessionTurns returns every turn of sessionID ordered by turn number.
	SessionTurns(ctx context.Context, sessionID string) ([]Turn, error)

	// LatestSessionID returns the most recent session of userID other than
	// exclude, or "" when there is none.
	LatestSessionID(ctx context.Context, userID, exclude string) (string, error)

	// RecentTurns returns up to limit most recent turns of userID across all
	// sessions, oldest first.
	RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)

	// InsertSummary persists s.
	InsertSummary(ctx context.Context, s Summary) error

	// Rebind moves the user enrolled under name to userID across every
	// table in a single transaction. It returns false when no user with
	// that name exists.
	Rebind(ctx context.Context, userID, name string) (bool, error)

	// Enroll registers a new user and writes the initialization turn.
	Enroll(ctx context.Context, e Enrollment) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// SessionID derives the partition key for a session of userID created at t.
// Resolution is one second.
func SessionID(userID string, t time.Time) string {
	return t.Format("20060102150405") + "_" + userID
}
