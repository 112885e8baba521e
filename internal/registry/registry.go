// Package registry maps connected user ids to their live profile and
// session.
//
// There is at most one entry per user id. A second connection for the same
// user replaces the mapping; the replaced connection can still release its
// own entry, which summarises its session but never evicts the successor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
)

// Entry is one connected user's state. Profile and Session are nil while
// the user id is not enrolled.
type Entry struct {
	UserID string
	ConnID string

	mu       sync.Mutex
	profile  *profile.Profile
	session  *session.Session
	released bool
}

// Profile returns the current profile, nil when the user is not enrolled.
func (e *Entry) Profile() *profile.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// Session returns the live session, nil when the user is not enrolled.
func (e *Entry) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Registered reports whether the entry has a profile and session.
func (e *Entry) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile != nil && e.session != nil
}

// Observer is notified when connections are installed and released.
type Observer interface {
	ConnectionOpened(ctx context.Context)
	ConnectionClosed(ctx context.Context)
}

// Registry owns the user id to entry mapping.
type Registry struct {
	store      store.Store
	sessions   *session.Manager
	summariser *session.Summariser
	observer   Observer
	log        *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	// locks serialise command handling per user across connections. They
	// are never removed; there is one per user id ever seen.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithObserver registers o for entry lifecycle notifications.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// New returns an empty Registry.
func New(st store.Store, sessions *session.Manager, summariser *session.Summariser, opts ...Option) *Registry {
	r := &Registry{
		store:      st,
		sessions:   sessions,
		summariser: summariser,
		log:        slog.Default(),
		entries:    make(map[string]*Entry),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect loads the profile of userID, creates a session for it and installs
// the entry, replacing any existing one. An unknown user id still gets an
// entry so it can register; its Profile and Session stay nil. Any other
// store failure is returned and nothing is installed.
func (r *Registry) Connect(ctx context.Context, userID, connID string) (*Entry, error) {
	e := &Entry{UserID: userID, ConnID: connID}

	p, err := r.store.LoadProfile(ctx, userID)
	switch {
	case errors.Is(err, store.ErrProfileNotFound):
		r.log.Info("connection for unknown user", "user_id", userID, "conn_id", connID)
	case err != nil:
		return nil, fmt.Errorf("registry: connect %s: %w", userID, err)
	default:
		e.profile = p
		e.session = r.sessions.New(p)
	}

	r.mu.Lock()
	prev := r.entries[userID]
	r.entries[userID] = e
	r.mu.Unlock()

	if prev != nil {
		r.log.Info("connection replaced", "user_id", userID, "old_conn_id", prev.ConnID, "conn_id", connID)
	}
	if r.observer != nil {
		r.observer.ConnectionOpened(ctx)
	}
	return e, nil
}

// Get returns the live entry for userID.
func (r *Registry) Get(userID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Disconnect releases the live entry of userID, if any.
func (r *Registry) Disconnect(ctx context.Context, userID string) error {
	e, ok := r.Get(userID)
	if !ok {
		return nil
	}
	return r.Release(ctx, e)
}

// Release summarises the session of e and then removes the mapping if it
// still points at e. The mapping is removed even when summarising fails.
// Releasing an entry twice is a no-op.
func (r *Registry) Release(ctx context.Context, e *Entry) error {
	e.mu.Lock()
	done := e.released
	e.released = true
	e.mu.Unlock()
	if done {
		return nil
	}

	var err error
	if sess := e.Session(); sess != nil {
		err = r.summariser.Close(ctx, sess)
		if err != nil {
			r.log.Error("failed to summarise session on release", "user_id", e.UserID, "session_id", sess.ID, "err", err)
		}
	}

	r.mu.Lock()
	removed := r.entries[e.UserID] == e
	if removed {
		delete(r.entries, e.UserID)
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionClosed(ctx)
	}
	r.log.Debug("entry released", "user_id", e.UserID, "conn_id", e.ConnID, "evicted", removed)
	if err != nil {
		return fmt.Errorf("registry: release %s: %w", e.UserID, err)
	}
	return nil
}

// ReleaseAll releases every live entry. Errors are joined.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range all {
		if err := r.Release(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh reloads the profile of the live entry for userID. An entry that
// was not enrolled gets a new session; an existing session is kept.
func (r *Registry) Refresh(ctx context.Context, userID string) (*Entry, error) {
	e, ok := r.Get(userID)
	if !ok {
		return nil, fmt.Errorf("registry: refresh %s: not connected", userID)
	}
	p, err := r.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("registry: refresh %s: %w", userID, err)
	}

	e.mu.Lock()
	e.profile = p
	if e.session == nil {
		e.session = r.sessions.New(p)
	}
	e.mu.Unlock()
	return e, nil
}

// Lock acquires the command lock of userID and returns its release func.
func (r *Registry) Lock(userID string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = new(sync.Mutex)
		r.locks[userID] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}
