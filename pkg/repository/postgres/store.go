package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/polyglossa/pkg/repository"
)

// Compile-time interface check.
var _ repository.Store = (*Store)(nil)

// Store is the PostgreSQL-backed audit repository. All operations are safe
// for concurrent use; a single [pgxpool.Pool] is shared.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// UpsertSession creates or refreshes the session row keyed by session_id.
// Refreshing never resurrects an ended row; the terminal status wins.
func (s *Store) UpsertSession(ctx context.Context, rec repository.SessionRecord) error {
	const q = `
INSERT INTO sessions (session_id, teacher_identity, classroom_code, teacher_language, status, start_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
    teacher_identity = EXCLUDED.teacher_identity,
    classroom_code   = EXCLUDED.classroom_code,
    teacher_language = EXCLUDED.teacher_language
WHERE sessions.status <> 'ended'`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.TeacherIdentity,
		rec.ClassroomCode,
		rec.TeacherLanguage,
		string(rec.Status),
		rec.StartTime,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// EndSession marks the session row ended and flushes the final counters. An
// already-ended row is left untouched, so sweeper retries are no-ops.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time, totals repository.SessionTotals) error {
	const q = `
UPDATE sessions SET
    status             = 'ended',
    end_time           = $2,
    total_translations = $3,
    peak_students      = $4
WHERE session_id = $1 AND status <> 'ended'`

	_, err := s.pool.Exec(ctx, q, sessionID, endedAt, totals.TotalTranslations, totals.PeakStudents)
	if err != nil {
		return fmt.Errorf("postgres store: end session %s: %w", sessionID, err)
	}
	return nil
}

// InsertTranslation persists one translation outcome. Duplicate
// (session, utterance, language) keys are ignored so retried pipeline jobs
// never double-write.
func (s *Store) InsertTranslation(ctx context.Context, rec repository.TranslationRecord) error {
	const q = `
INSERT INTO translations
    (session_id, utterance_id, source_language, target_language, source_text,
     translated_text, translation_ms, tts_ms, total_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, utterance_id, target_language) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.UtteranceID,
		rec.SourceLanguage,
		rec.TargetLanguage,
		rec.SourceText,
		rec.TranslatedText,
		rec.Latency.TranslationMS,
		rec.Latency.TTSMS,
		rec.Latency.TotalMS,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: insert translation %s/%s: %w", rec.SessionID, rec.UtteranceID, err)
	}
	return nil
}

// InsertTranscript persists the source transcript for one utterance.
// Duplicate (session, utterance) keys are ignored.
func (s *Store) InsertTranscript(ctx context.Context, rec repository.TranscriptRecord) error {
	const q = `
INSERT INTO transcripts (session_id, utterance_id, language, text, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, utterance_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.UtteranceID,
		rec.Language,
		rec.Text,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: insert transcript %s/%s: %w", rec.SessionID, rec.UtteranceID, err)
	}
	return nil
}

// FetchActiveSessions returns every session row still marked active, oldest
// first.
func (s *Store) FetchActiveSessions(ctx context.Context) ([]repository.SessionRecord, error) {
	const q = `
SELECT session_id, teacher_identity, classroom_code, teacher_language,
       status, start_time, end_time, total_translations, peak_students
FROM sessions
WHERE status = 'active'
ORDER BY start_time`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetch active sessions: %w", err)
	}
	defer rows.Close()

	var out []repository.SessionRecord
	for rows.Next() {
		var rec repository.SessionRecord
		var status string
		if err := rows.Scan(
			&rec.SessionID,
			&rec.TeacherIdentity,
			&rec.ClassroomCode,
			&rec.TeacherLanguage,
			&status,
			&rec.StartTime,
			&rec.EndTime,
			&rec.TotalTranslations,
			&rec.PeakStudents,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan session row: %w", err)
		}
		rec.Status = repository.SessionStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate session rows: %w", err)
	}
	return out, nil
}

// AdminForceCleanup marks every active session row started before the given
// instant as ended. Used at startup to reconcile rows orphaned by a crash.
func (s *Store) AdminForceCleanup(ctx context.Context, before time.Time) (int64, error) {
	const q = `
UPDATE sessions SET status = 'ended', end_time = now()
WHERE status = 'active' AND start_time < $1`

	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("postgres store: force cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
