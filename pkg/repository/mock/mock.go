// Package mock provides an in-memory test double for [repository.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	repo := &mock.Store{}
//
//	// inject repo into the system under test …
//
//	if got := repo.CallCount("InsertTranslation"); got != 2 {
//	    t.Errorf("expected 2 InsertTranslation calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/pkg/repository"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [repository.Store]. All exported
// *Err fields default to nil (success).
type Store struct {
	mu    sync.Mutex
	calls []Call

	// UpsertSessionErr is returned by UpsertSession when non-nil.
	UpsertSessionErr error

	// EndSessionErr is returned by EndSession when non-nil.
	EndSessionErr error

	// InsertTranslationErr is returned by InsertTranslation when non-nil.
	InsertTranslationErr error

	// InsertTranscriptErr is returned by InsertTranscript when non-nil.
	InsertTranscriptErr error

	// FetchActiveSessionsResult is returned by FetchActiveSessions. When nil
	// an empty non-nil slice is returned.
	FetchActiveSessionsResult []repository.SessionRecord

	// FetchActiveSessionsErr is returned by FetchActiveSessions when non-nil.
	FetchActiveSessionsErr error

	// AdminForceCleanupResult is returned by AdminForceCleanup.
	AdminForceCleanupResult int64

	// AdminForceCleanupErr is returned by AdminForceCleanup when non-nil.
	AdminForceCleanupErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// Translations collects every record passed to InsertTranslation.
	Translations []repository.TranslationRecord

	// Transcripts collects every record passed to InsertTranscript.
	Transcripts []repository.TranscriptRecord

	// Ended collects the session IDs passed to EndSession.
	Ended []string
}

var _ repository.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
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

// Reset clears all recorded calls and collected records without altering
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.Translations = nil
	m.Transcripts = nil
	m.Ended = nil
}

// UpsertSession implements [repository.Store].
func (m *Store) UpsertSession(_ context.Context, rec repository.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertSession", Args: []any{rec}})
	return m.UpsertSessionErr
}

// EndSession implements [repository.Store].
func (m *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time, totals repository.SessionTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "EndSession", Args: []any{sessionID, endedAt, totals}})
	if m.EndSessionErr != nil {
		return m.EndSessionErr
	}
	m.Ended = append(m.Ended, sessionID)
	return nil
}

// InsertTranslation implements [repository.Store].
func (m *Store) InsertTranslation(_ context.Context, rec repository.TranslationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertTranslation", Args: []any{rec}})
	if m.InsertTranslationErr != nil {
		return m.InsertTranslationErr
	}
	m.Translations = append(m.Translations, rec)
	return nil
}

// InsertTranscript implements [repository.Store].
func (m *Store) InsertTranscript(_ context.Context, rec repository.TranscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertTranscript", Args: []any{rec}})
	if m.InsertTranscriptErr != nil {
		return m.InsertTranscriptErr
	}
	m.Transcripts = append(m.Transcripts, rec)
	return nil
}

// FetchActiveSessions implements [repository.Store].
func (m *Store) FetchActiveSessions(_ context.Context) ([]repository.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FetchActiveSessions"})
	if m.FetchActiveSessionsErr != nil {
		return nil, m.FetchActiveSessionsErr
	}
	if m.FetchActiveSessionsResult == nil {
		return []repository.SessionRecord{}, nil
	}
	return m.FetchActiveSessionsResult, nil
}

// AdminForceCleanup implements [repository.Store].
func (m *Store) AdminForceCleanup(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AdminForceCleanup", Args: []any{before}})
	return m.AdminForceCleanupResult, m.AdminForceCleanupErr
}

// Ping implements [repository.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [repository.Store].
func (m *Store) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
}
