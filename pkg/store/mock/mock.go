// Package mock provides an in-memory implementation of [store.Store].
//
// Unlike a pure stub, [Store] keeps real state: profiles, turns and summaries
// written through it can be read back. This makes it usable both as a test
// double and as the "memory" store driver for local runs without PostgreSQL.
//
// Every method call is recorded for assertion, and exported *Err fields inject
// failures. All methods are safe for concurrent use.
//
// Typical usage:
//
//	st := mock.New()
//	st.PutProfile(&profile.Profile{UserID: "u1", Name: "Mina"})
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("InsertSummary"); got != 1 {
//	    t.Errorf("expected 1 InsertSummary call, got %d", got)
//	}
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is an in-memory [store.Store].
type Store struct {
	mu sync.Mutex

	calls []Call

	profiles  map[string]*profile.Profile
	turns     []store.Turn
	summaries []store.Summary

	// Normalizer converts raw enrollment times. Zero value applies no offset.
	Normalizer profile.Normalizer

	// Now returns the clock used for enrollment timestamps. Defaults to
	// time.Now.
	Now func() time.Time

	// LoadProfileErr is returned by [Store.LoadProfile] when non-nil.
	LoadProfileErr error

	// AppendTurnErr is returned by [Store.AppendTurn] when non-nil.
	AppendTurnErr error

	// AttachAudioErr is returned by [Store.AttachAudio] when non-nil.
	AttachAudioErr error

	// SessionTurnsErr is returned by [Store.SessionTurns] when non-nil.
	SessionTurnsErr error

	// InsertSummaryErr is returned by [Store.InsertSummary] when non-nil.
	InsertSummaryErr error

	// RebindErr is returned by [Store.Rebind] when non-nil.
	RebindErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{profiles: make(map[string]*profile.Profile)}
}

// PutProfile installs or replaces a profile. The profile is copied.
func (m *Store) PutProfile(p *profile.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]*profile.Profile)
	}
	cp := *p
	m.profiles[p.UserID] = &cp
}

// Turns returns a copy of every stored turn in insertion order.
func (m *Store) Turns() []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.turns)
}

// Summaries returns a copy of every stored summary in insertion order.
func (m *Store) Summaries() []store.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.summaries)
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// LoadProfile implements [store.Store]. The returned profile is a copy with
// LastSummary filled from the most recent stored summary.
func (m *Store) LoadProfile(_ context.Context, userID string) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LoadProfile", userID)
	if m.LoadProfileErr != nil {
		return nil, m.LoadProfileErr
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrProfileNotFound, userID)
	}
	cp := *p
	for i := len(m.summaries) - 1; i >= 0; i-- {
		s := m.summaries[i]
		if s.UserID != userID {
			continue
		}
		cp.LastSummary = &profile.LastSummary{
			SessionID:    s.SessionID,
			Summary:      s.Text,
			NextGreeting: s.NextGreeting,
			Strategy:     s.Strategy,
			CreatedAt:    s.CreatedAt,
		}
		break
	}
	return &cp, nil
}

// AppendTurn implements [store.Store].
func (m *Store) AppendTurn(_ context.Context, t store.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendTurn", t)
	if m.AppendTurnErr != nil {
		return m.AppendTurnErr
	}
	m.turns = append(m.turns, t)
	return nil
}

// AttachAudio implements [store.Store].
func (m *Store) AttachAudio(_ context.Context, sessionID string, number int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AttachAudio", sessionID, number, ref)
	if m.AttachAudioErr != nil {
		return m.AttachAudioErr
	}
	for i := range m.turns {
		if m.turns[i].SessionID == sessionID && m.turns[i].Number == number {
			m.turns[i].AudioRef = ref
		}
	}
	return nil
}

// SessionTurns implements [store.Store].
func (m *Store) SessionTurns(_ context.Context, sessionID string) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SessionTurns", sessionID)
	if m.SessionTurnsErr != nil {
		return nil, m.SessionTurnsErr
	}
	var out []store.Turn
	for _, t := range m.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b store.Turn) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

// LatestSessionID implements [store.Store]. The latest session is the one
// whose most recently written turn is newest.
func (m *Store) LatestSessionID(_ context.Context, userID, exclude string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LatestSessionID", userID, exclude)
	for i := len(m.turns) - 1; i >= 0; i-- {
		t := m.turns[i]
		if t.UserID == userID && t.SessionID != exclude {
			return t.SessionID, nil
		}
	}
	return "", nil
}

// RecentTurns implements [store.Store].
func (m *Store) RecentTurns(_ context.Context, userID string, limit int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentTurns", userID, limit)
	var out []store.Turn
	for i := len(m.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.turns[i].UserID == userID {
			out = append(out, m.turns[i])
		}
	}
	slices.Reverse(out)
	return out, nil
}

// InsertSummary implements [store.Store].
func (m *Store) InsertSummary(_ context.Context, s store.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertSummary", s)
	if m.InsertSummaryErr != nil {
		return m.InsertSummaryErr
	}
	m.summaries = append(m.summaries, s)
	return nil
}

// Rebind implements [store.Store].
func (m *Store) Rebind(_ context.Context, userID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Rebind", userID, name)
	if m.RebindErr != nil {
		return false, m.RebindErr
	}
	var oldID string
	for id, p := range m.profiles {
		if p.Name == name {
			oldID = id
			break
		}
	}
	if oldID == "" {
		return false, nil
	}
	if oldID == userID {
		return true, nil
	}
	p := m.profiles[oldID]
	delete(m.profiles, oldID)
	p.LegacyID = oldID
	p.UserID = userID
	m.profiles[userID] = p
	for i := range m.turns {
		if m.turns[i].UserID == oldID {
			m.turns[i].UserID = userID
		}
	}
	for i := range m.summaries {
		if m.summaries[i].UserID == oldID {
			m.summaries[i].UserID = userID
		}
	}
	return true, nil
}

// Enroll implements [store.Store].
func (m *Store) Enroll(_ context.Context, e store.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Enroll", e)

	meds, err := m.Normalizer.Schedules(e.Medications)
	if err != nil {
		return err
	}
	injs, err := m.Normalizer.Schedules(e.Injections)
	if err != nil {
		return err
	}
	casual, err := m.Normalizer.Times(e.CasualTimes)
	if err != nil {
		return err
	}
	if m.profiles == nil {
		m.profiles = make(map[string]*profile.Profile)
	}
	if _, ok := m.profiles[e.UserID]; ok {
		return fmt.Errorf("mock store: user %q already enrolled", e.UserID)
	}
	m.profiles[e.UserID] = &profile.Profile{
		UserID:       e.UserID,
		Name:         e.Name,
		Sex:          e.Sex,
		Age:          e.Age,
		Diseases:     slices.Clone(e.Diseases),
		HealthIssues: e.HealthIssues,
		Medications:  meds,
		Injections:   injs,
		CasualTimes:  casual,
	}

	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	m.turns = append(m.turns, store.Turn{
		SessionID:    store.SessionID(e.UserID, now),
		Number:       1,
		UserID:       e.UserID,
		UserName:     e.Name,
		SessionStart: now,
		Role:         store.RoleInitialization,
		Content:      store.WelcomeMessage,
		Model:        "scripted",
		CreatedAt:    now,
	})
	return nil
}

// Ping implements [store.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}
