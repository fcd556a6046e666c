// Package postgres provides the PostgreSQL-backed audit repository for the
// relay. Memory remains authoritative for session liveness; this store is an
// append-mostly audit sink.
//
// All writes are idempotent on their natural keys (session_id for sessions,
// (session_id, utterance_id, target_language) for translations) so the
// sweeper can retry terminal persistence safely.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.UpsertSession(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id         TEXT         PRIMARY KEY,
    teacher_identity   TEXT         NOT NULL,
    classroom_code     TEXT         NOT NULL,
    teacher_language   TEXT         NOT NULL DEFAULT '',
    status             TEXT         NOT NULL DEFAULT 'active',
    start_time         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    end_time           TIMESTAMPTZ,
    total_translations BIGINT       NOT NULL DEFAULT 0,
    peak_students      INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON sessions (status);

CREATE INDEX IF NOT EXISTS idx_sessions_teacher
    ON sessions (teacher_identity);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id    TEXT         NOT NULL,
    utterance_id  TEXT         NOT NULL,
    language      TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, utterance_id)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session
    ON transcripts (session_id, created_at);
`

const ddlTranslations = `
CREATE TABLE IF NOT EXISTS translations (
    session_id       TEXT         NOT NULL,
    utterance_id     TEXT         NOT NULL,
    source_language  TEXT         NOT NULL DEFAULT '',
    target_language  TEXT         NOT NULL,
    source_text      TEXT         NOT NULL,
    translated_text  TEXT,
    translation_ms   BIGINT       NOT NULL DEFAULT 0,
    tts_ms           BIGINT       NOT NULL DEFAULT 0,
    total_ms         BIGINT       NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, utterance_id, target_language)
);

CREATE INDEX IF NOT EXISTS idx_translations_session
    ON translations (session_id, created_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlTranscripts,
		ddlTranslations,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
