// Package mock provides a test double for [tts.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

// Provider is a configurable test double for [tts.Provider]. By default
// Synthesize returns the request text bytes tagged as "pcm16". Safe for
// concurrent use.
type Provider struct {
	mu    sync.Mutex
	calls []tts.Request

	// Err is returned by Synthesize when non-nil.
	Err error

	// Result overrides the default audio when Data is non-nil.
	Result tts.Audio
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements [tts.Provider].
func (m *Provider) Synthesize(_ context.Context, req tts.Request) (tts.Audio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.Err != nil {
		return tts.Audio{}, m.Err
	}
	if m.Result.Data != nil {
		return m.Result, nil
	}
	return tts.Audio{Data: []byte(req.Text), Format: "pcm16"}, nil
}

// Calls returns a copy of every request passed to Synthesize.
func (m *Provider) Calls() []tts.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tts.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Synthesize invocations.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
