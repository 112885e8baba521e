package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for every table used by [Store]. Execute it via
// [Store.Migrate] or apply it manually during deployment.
//
// Schedule columns hold JSON arrays of {"name": ..., "times": ["HH:MM", ...]}
// objects; casual_times holds a plain array of "HH:MM" strings. Times are
// stored raw and normalised on read.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id     TEXT        PRIMARY KEY,
    name        TEXT        NOT NULL,
    legacy_id   TEXT        NOT NULL DEFAULT '',
    sex         TEXT        NOT NULL DEFAULT '',
    age         INTEGER,
    diseases    JSONB       NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_users_name ON users (name);

CREATE TABLE IF NOT EXISTS health_info (
    user_id       TEXT PRIMARY KEY,
    health_issues TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS alarms (
    user_id      TEXT  PRIMARY KEY,
    medications  JSONB NOT NULL DEFAULT '[]',
    injections   JSONB NOT NULL DEFAULT '[]',
    casual_times JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS turns (
    session_id    TEXT        NOT NULL,
    number        INTEGER     NOT NULL,
    user_id       TEXT        NOT NULL,
    user_name     TEXT        NOT NULL DEFAULT '',
    session_start TIMESTAMPTZ NOT NULL,
    role          TEXT        NOT NULL,
    content       TEXT        NOT NULL,
    strategy      TEXT        NOT NULL DEFAULT '',
    model         TEXT        NOT NULL DEFAULT '',
    audio_ref     TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, number)
);
CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns (user_id, created_at);

CREATE TABLE IF NOT EXISTS summaries (
    session_id    TEXT        PRIMARY KEY,
    user_id       TEXT        NOT NULL,
    user_name     TEXT        NOT NULL DEFAULT '',
    session_start TIMESTAMPTZ NOT NULL,
    strategy      TEXT        NOT NULL DEFAULT '',
    model         TEXT        NOT NULL DEFAULT '',
    summary       TEXT        NOT NULL DEFAULT '',
    next_greeting TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_summaries_user_created ON summaries (user_id, created_at);
`

// Migrate executes [Schema], creating all tables and indexes if they do not
// already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
