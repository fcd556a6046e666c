// Package mock provides a scriptable test double for [stt.Provider].
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/provider/stt"
)

// Provider is a test double for [stt.Provider]. Each StartStream call
// returns a new [Session] whose events tests drive via [Session.Emit].
// Safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// StartErr is returned by StartStream when non-nil.
	StartErr error
}

var _ stt.Provider = (*Provider)(nil)

// StartStream implements [stt.Provider].
func (m *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	s := &Session{
		Config: cfg,
		events: make(chan stt.Event, 16),
	}
	m.sessions = append(m.sessions, s)
	return s, nil
}

// Sessions returns all sessions opened so far.
func (m *Provider) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Session is a scriptable [stt.SessionHandle].
type Session struct {
	// Config is the StreamConfig the session was opened with.
	Config stt.StreamConfig

	mu     sync.Mutex
	chunks [][]byte
	events chan stt.Event
	closed bool
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio implements [stt.SessionHandle].
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sttmock: session closed")
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks = append(s.chunks, buf)
	return nil
}

// Events implements [stt.SessionHandle].
func (s *Session) Events() <-chan stt.Event { return s.events }

// Close implements [stt.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit pushes a transcription event to the session's consumers. Emit after
// Close is a no-op.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Chunks returns a copy of all audio chunks received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}
