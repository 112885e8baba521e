// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] using pgx.
//
// Usage:
//
//	st, err := postgres.Open(ctx, dsn, profile.Normalizer{}, postgres.WithMigrate(true))
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/store"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store is a [store.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	norm  profile.Normalizer
	close func()
}

var _ store.Store = (*Store)(nil)

// New returns a Store over db. Raw schedule times are normalised with norm on
// every profile load. The caller is responsible for calling [Store.Migrate].
func New(db DB, norm profile.Normalizer) *Store {
	return &Store{db: db, norm: norm, close: func() {}}
}

// OpenOption configures [Open].
type OpenOption func(*openOptions)

type openOptions struct {
	migrate bool
}

// WithMigrate makes [Open] apply [Schema] once the connection is up.
func WithMigrate(enabled bool) OpenOption {
	return func(o *openOptions) { o.migrate = enabled }
}

// Open connects a pool to dsn and pings it. The schema is only applied when
// [WithMigrate] is set.
func Open(ctx context.Context, dsn string, norm profile.Normalizer, opts ...OpenOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	s, err := connect(ctx, pool, norm, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.close = pool.Close
	return s, nil
}

func connect(ctx context.Context, db DB, norm profile.Normalizer, opts ...OpenOption) (*Store, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(db, norm)
	if o.migrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying pool when the Store owns one.
func (s *Store) Close() {
	s.close()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// LoadProfile implements [store.Store].
func (s *Store) LoadProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	const q = `
		SELECT u.user_id, u.name, u.legacy_id, u.sex, u.age, u.diseases,
		       COALESCE(h.health_issues, ''),
		       COALESCE(a.medications, '[]'), COALESCE(a.injections, '[]'), COALESCE(a.casual_times, '[]'),
		       ls.session_id, ls.summary, ls.next_greeting, ls.strategy, ls.created_at
		FROM users u
		LEFT JOIN health_info h ON h.user_id = u.user_id
		LEFT JOIN alarms a ON a.user_id = u.user_id
		LEFT JOIN LATERAL (
			SELECT session_id, summary, next_greeting, strategy, created_at
			FROM summaries
			WHERE user_id = u.user_id
			ORDER BY created_at DESC
			LIMIT 1
		) ls ON true
		WHERE u.user_id = $1`

	var (
		p                           profile.Profile
		age                         *int
		diseases, meds, injs, casul []byte
		sumSession, sumText         *string
		sumNext, sumStrategy        *string
		sumCreated                  *time.Time
	)
	err := s.db.QueryRow(ctx, q, userID).Scan(
		&p.UserID, &p.Name, &p.LegacyID, &p.Sex, &age, &diseases,
		&p.HealthIssues,
		&meds, &injs, &casul,
		&sumSession, &sumText, &sumNext, &sumStrategy, &sumCreated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", store.ErrProfileNotFound, userID)
		}
		return nil, unavailable("load profile", err)
	}
	p.Age = age

	if err := json.Unmarshal(diseases, &p.Diseases); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal diseases: %w", err)
	}
	var rawMeds, rawInjs []profile.RawSchedule
	var rawCasual []string
	if err := json.Unmarshal(meds, &rawMeds); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal medications: %w", err)
	}
	if err := json.Unmarshal(injs, &rawInjs); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal injections: %w", err)
	}
	if err := json.Unmarshal(casul, &rawCasual); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal casual_times: %w", err)
	}
	if p.Medications, err = s.norm.Schedules(rawMeds); err != nil {
		return nil, fmt.Errorf("postgres: medications: %w", err)
	}
	if p.Injections, err = s.norm.Schedules(rawInjs); err != nil {
		return nil, fmt.Errorf("postgres: injections: %w", err)
	}
	if p.CasualTimes, err = s.norm.Times(rawCasual); err != nil {
		return nil, fmt.Errorf("postgres: casual_times: %w", err)
	}

	if sumSession != nil {
		p.LastSummary = &profile.LastSummary{
			SessionID:    *sumSession,
			Summary:      deref(sumText),
			NextGreeting: deref(sumNext),
			Strategy:     deref(sumStrategy),
		}
		if sumCreated != nil {
			p.LastSummary.CreatedAt = *sumCreated
		}
	}
	return &p, nil
}

// AppendTurn implements [store.Store].
func (s *Store) AppendTurn(ctx context.Context, t store.Turn) error {
	const q = `
		INSERT INTO turns
		    (session_id, number, user_id, user_name, session_start, role, content, strategy, model, audio_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		t.SessionID, t.Number, t.UserID, t.UserName, t.SessionStart,
		string(t.Role), t.Content, t.Strategy, t.Model, t.AudioRef, createdAt(t.CreatedAt),
	)
	if err != nil {
		return unavailable("append turn", err)
	}
	return nil
}

// AttachAudio implements [store.Store].
func (s *Store) AttachAudio(ctx context.Context, sessionID string, number int, ref string) error {
	const q = `UPDATE turns SET audio_ref = $3 WHERE session_id = $1 AND number = $2`
	if _, err := s.db.Exec(ctx, q, sessionID, number, ref); err != nil {
		return unavailable("attach audio", err)
	}
	return nil
}

const turnColumns = `session_id, number, user_id, user_name, session_start, role, content, strategy, model, audio_ref, created_at`

// SessionTurns implements [store.Store].
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	q := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = $1 ORDER BY number`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, unavailable("session turns", err)
	}
	return collectTurns(rows)
}

// LatestSessionID implements [store.Store].
func (s *Store) LatestSessionID(ctx context.Context, userID, exclude string) (string, error) {
	const q = `
		SELECT session_id FROM turns
		WHERE user_id = $1 AND session_id <> $2
		ORDER BY created_at DESC
		LIMIT 1`

	var id string
	err := s.db.QueryRow(ctx, q, userID, exclude).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", unavailable("latest session", err)
	}
	return id, nil
}

// RecentTurns implements [store.Store].
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]store.Turn, error) {
	q := `
		SELECT ` + turnColumns + ` FROM (
			SELECT ` + turnColumns + ` FROM turns
			WHERE user_id = $1
			ORDER BY created_at DESC, number DESC
			LIMIT $2
		) recent
		ORDER BY created_at, number`
	rows, err := s.db.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, unavailable("recent turns", err)
	}
	return collectTurns(rows)
}

// InsertSummary implements [store.Store].
func (s *Store) InsertSummary(ctx context.Context, sum store.Summary) error {
	const q = `
		INSERT INTO summaries
		    (session_id, user_id, user_name, session_start, strategy, model, summary, next_greeting, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(ctx, q,
		sum.SessionID, sum.UserID, sum.UserName, sum.SessionStart,
		sum.Strategy, sum.Model, sum.Text, sum.NextGreeting, createdAt(sum.CreatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: summary for session %q already exists", sum.SessionID)
		}
		return unavailable("insert summary", err)
	}
	return nil
}

// Rebind implements [store.Store]. All five tables are updated inside one
// transaction.
func (s *Store) Rebind(ctx context.Context, userID, name string) (bool, error) {
	found := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var oldID string
		err := tx.QueryRow(ctx,
			`SELECT user_id FROM users WHERE name = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, name,
		).Scan(&oldID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if oldID == userID {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET user_id = $1, legacy_id = $2 WHERE user_id = $2`, userID, oldID,
		); err != nil {
			return err
		}
		for _, table := range []string{"health_info", "alarms", "turns", "summaries"} {
			if _, err := tx.Exec(ctx, `UPDATE `+table+` SET user_id = $1 WHERE user_id = $2`, userID, oldID); err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, unavailable("rebind", err)
	}
	return found, nil
}

// Enroll implements [store.Store]. The user, health, alarm and
// initialization rows are written in one transaction.
func (s *Store) Enroll(ctx context.Context, e store.Enrollment) error {
	// Validate times up front so bad input never reaches the database.
	if _, err := s.norm.Schedules(e.Medications); err != nil {
		return err
	}
	if _, err := s.norm.Schedules(e.Injections); err != nil {
		return err
	}
	if _, err := s.norm.Times(e.CasualTimes); err != nil {
		return err
	}

	diseases, err := json.Marshal(emptySlice(e.Diseases))
	if err != nil {
		return fmt.Errorf("postgres: marshal diseases: %w", err)
	}
	meds, err := json.Marshal(emptySchedules(e.Medications))
	if err != nil {
		return fmt.Errorf("postgres: marshal medications: %w", err)
	}
	injs, err := json.Marshal(emptySchedules(e.Injections))
	if err != nil {
		return fmt.Errorf("postgres: marshal injections: %w", err)
	}
	casual, err := json.Marshal(emptySlice(e.CasualTimes))
	if err != nil {
		return fmt.Errorf("postgres: marshal casual_times: %w", err)
	}

	now := time.Now()
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (user_id, name, sex, age, diseases) VALUES ($1, $2, $3, $4, $5)`,
			e.UserID, e.Name, e.Sex, e.Age, diseases,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO health_info (user_id, health_issues) VALUES ($1, $2)`,
			e.UserID, e.HealthIssues,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO alarms (user_id, medications, injections, casual_times) VALUES ($1, $2, $3, $4)`,
			e.UserID, meds, injs, casual,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO turns (session_id, number, user_id, user_name, session_start, role, content, model, created_at)
			VALUES ($1, 1, $2, $3, $4, $5, $6, 'scripted', $4)`,
			store.SessionID(e.UserID, now), e.UserID, e.Name, now,
			string(store.RoleInitialization), store.WelcomeMessage,
		)
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: user %q already enrolled", e.UserID)
		}
		return unavailable("enroll", err)
	}
	return nil
}

// collectTurns scans rows produced by a SELECT of [turnColumns].
func collectTurns(rows pgx.Rows) ([]store.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var (
			t    store.Turn
			role string
		)
		err := row.Scan(
			&t.SessionID, &t.Number, &t.UserID, &t.UserName, &t.SessionStart,
			&role, &t.Content, &t.Strategy, &t.Model, &t.AudioRef, &t.CreatedAt,
		)
		t.Role = store.Role(role)
		return t, err
	})
	if err != nil {
		return nil, unavailable("scan turns", err)
	}
	return turns, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, op, err)
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice, so JSON
// marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptySchedules(s []profile.RawSchedule) []profile.RawSchedule {
	if s == nil {
		return []profile.RawSchedule{}
	}
	return s
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
