// Package mock provides a deterministic test double for
// [translate.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// Provider is a configurable test double for [translate.Provider].
//
// By default Translate returns "[<target>] <text>", which keeps test
// expectations readable without implying any real translation behaviour.
// It is safe for concurrent use.
type Provider struct {
	mu    sync.Mutex
	calls []translate.Request

	// Err is returned by Translate when non-nil.
	Err error

	// ErrTimes makes Translate fail this many times before succeeding.
	// Requires Err to be set. Used to exercise retry policies.
	ErrTimes int

	// Translate overrides the default result function when non-nil.
	TranslateFunc func(req translate.Request) (translate.Result, error)

	// Delay blocks each call on ctx or the given channel when non-nil,
	// letting tests hold translations in flight.
	Delay chan struct{}

	failed int
}

var _ translate.Provider = (*Provider)(nil)

// Translate implements [translate.Provider].
func (m *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	delay := m.Delay
	fn := m.TranslateFunc
	var err error
	if m.Err != nil && (m.ErrTimes == 0 || m.failed < m.ErrTimes) {
		m.failed++
		err = m.Err
	}
	m.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return translate.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return translate.Result{}, err
	}
	if fn != nil {
		return fn(req)
	}
	return translate.Result{Text: "[" + req.TargetLanguage + "] " + req.Text}, nil
}

// Calls returns a copy of every request passed to Translate.
func (m *Provider) Calls() []translate.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]translate.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Translate invocations.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
