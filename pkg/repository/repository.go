// Package repository defines the narrow audit storage interface consumed by
// the relay core. Memory is authoritative for session liveness; the
// repository is an append-mostly audit sink whose failures must never block
// live fan-out.
//
// Implementations must be safe for concurrent use and idempotent on
// sessionID and (sessionID, utteranceID, targetLanguage).
package repository

import (
	"context"
	"time"
)

// SessionStatus is the persisted lifecycle state of a session row.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionRecord is the durable projection of a live session.
type SessionRecord struct {
	SessionID       string
	TeacherIdentity string
	ClassroomCode   string
	TeacherLanguage string
	Status          SessionStatus
	StartTime       time.Time
	EndTime         *time.Time

	// Final counters, meaningful once Status is ended.
	TotalTranslations int64
	PeakStudents      int
}

// SessionTotals carries the final counters flushed with a terminal record.
type SessionTotals struct {
	TotalTranslations int64
	PeakStudents      int
}

// TranslationRecord is one (utterance, target language) translation outcome.
// TranslatedText is nil when translation failed after retries.
type TranslationRecord struct {
	SessionID      string
	UtteranceID    string
	SourceLanguage string
	TargetLanguage string
	SourceText     string
	TranslatedText *string
	Latency        LatencyComponents
	CreatedAt      time.Time
}

// LatencyComponents breaks pipeline latency into stages, in milliseconds.
type LatencyComponents struct {
	TranslationMS int64
	TTSMS         int64
	TotalMS       int64
}

// TranscriptRecord is the source-language transcript of one utterance,
// persisted once per utterance regardless of subscriber count.
type TranscriptRecord struct {
	SessionID   string
	UtteranceID string
	Language    string
	Text        string
	CreatedAt   time.Time
}

// Store is the audit repository. All write operations are idempotent on
// their natural keys so the sweeper can safely retry terminal persistence.
type Store interface {
	// UpsertSession creates or refreshes the session row keyed by SessionID.
	UpsertSession(ctx context.Context, rec SessionRecord) error

	// EndSession marks the session row ended and flushes final counters.
	// Calling EndSession on an already-ended session is a no-op.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time, totals SessionTotals) error

	// InsertTranslation persists one translation row, keyed by
	// (sessionID, utteranceID, targetLanguage). Duplicate keys are ignored.
	InsertTranslation(ctx context.Context, rec TranslationRecord) error

	// InsertTranscript persists the source transcript for one utterance,
	// keyed by (sessionID, utteranceID). Duplicate keys are ignored.
	InsertTranscript(ctx context.Context, rec TranscriptRecord) error

	// FetchActiveSessions returns all session rows still marked active.
	// Used for diagnostics and startup reconciliation.
	FetchActiveSessions(ctx context.Context) ([]SessionRecord, error)

	// AdminForceCleanup marks every active session row older than before as
	// ended. Returns the number of rows updated.
	AdminForceCleanup(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
