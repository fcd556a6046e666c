// Package code mints and resolves short classroom codes.
//
// A classroom code is six characters drawn from a 32-symbol alphabet that
// omits the visually confusing 0/O/1/I. Codes are unique across all live
// reservations and carry a TTL. Expired and released codes pass through a
// one-sweep quarantine before becoming reusable, so a client that resolved a
// code just before expiry never races a fresh reservation of the same code.
package code

import (
	"container/heap"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Alphabet is the 32-symbol code alphabet: A–Z without O and I, digits 2–9.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the fixed classroom code length.
const Length = 6

var (
	// ErrNotFound is returned by Resolve when the code has no reservation.
	ErrNotFound = errors.New("classroom code not found")

	// ErrExpired is returned by Resolve when the code's TTL has lapsed.
	ErrExpired = errors.New("classroom code expired")

	// ErrExhausted is returned by Allocate when no unique code could be
	// generated. With a ~10^9 code space this indicates a logic error or a
	// pathological allocator state, not normal operation.
	ErrExhausted = errors.New("classroom code space exhausted")
)

// maxAllocateAttempts bounds collision retries in Allocate.
const maxAllocateAttempts = 32

// Entry is one live code reservation.
type Entry struct {
	Code      string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Allocator owns the code space. All methods are safe for concurrent use.
type Allocator struct {
	mu         sync.Mutex
	ttl        time.Duration
	entries    map[string]*Entry
	expiry     expiryHeap
	quarantine map[string]struct{} // blocked until the next sweep tick
	now        func() time.Time
	randRead   func([]byte) (int, error)
}

// Option configures an [Allocator].
type Option func(*Allocator)

// WithClock overrides the allocator's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// WithRandReader overrides the entropy source. Used by tests to force
// collisions.
func WithRandReader(read func([]byte) (int, error)) Option {
	return func(a *Allocator) { a.randRead = read }
}

// NewAllocator creates an Allocator whose codes live for ttl.
func NewAllocator(ttl time.Duration, opts ...Option) *Allocator {
	a := &Allocator{
		ttl:        ttl,
		entries:    make(map[string]*Entry),
		quarantine: make(map[string]struct{}),
		now:        time.Now,
		randRead:   rand.Read,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Allocate mints a unique code bound to sessionID and returns it.
func (a *Allocator) Allocate(sessionID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		code, err := a.generate()
		if err != nil {
			return "", fmt.Errorf("code: generate: %w", err)
		}
		if _, taken := a.entries[code]; taken {
			continue
		}
		if _, blocked := a.quarantine[code]; blocked {
			continue
		}

		now := a.now()
		e := &Entry{
			Code:      code,
			SessionID: sessionID,
			IssuedAt:  now,
			ExpiresAt: now.Add(a.ttl),
		}
		a.entries[code] = e
		heap.Push(&a.expiry, e)
		return code, nil
	}
	return "", ErrExhausted
}

// Resolve maps a code to its session ID. Input is case-insensitive.
// Returns [ErrNotFound] for unknown codes and [ErrExpired] for codes whose
// TTL has lapsed (including codes sitting in quarantine).
func (a *Allocator) Resolve(code string) (string, error) {
	code = Normalize(code)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[code]
	if !ok {
		if _, quarantined := a.quarantine[code]; quarantined {
			return "", ErrExpired
		}
		return "", ErrNotFound
	}
	if !a.now().Before(e.ExpiresAt) {
		return "", ErrExpired
	}
	return e.SessionID, nil
}

// Release returns a code to the pool. The code stays quarantined until the
// next sweep tick. Releasing an unknown code is a no-op.
func (a *Allocator) Release(code string) {
	code = Normalize(code)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[code]
	if !ok {
		return
	}
	delete(a.entries, code)
	a.expiry.remove(e)
	a.quarantine[code] = struct{}{}
}

// Sweep advances the allocator clock: codes quarantined by the previous tick
// become reusable, and codes whose TTL lapsed since then move into
// quarantine. It returns the number of codes that became reusable this tick.
func (a *Allocator) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	reusable := len(a.quarantine)
	a.quarantine = make(map[string]struct{})

	for a.expiry.Len() > 0 {
		next := a.expiry[0]
		if now.Before(next.ExpiresAt) {
			break
		}
		heap.Pop(&a.expiry)
		delete(a.entries, next.Code)
		a.quarantine[next.Code] = struct{}{}
	}
	return reusable
}

// Len returns the number of live reservations.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Lookup returns a copy of the live entry for code, if any.
func (a *Allocator) Lookup(code string) (Entry, bool) {
	code = Normalize(code)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[code]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Normalize uppercases a code for comparison. Codes are case-insensitive on
// input and uppercase on output.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether s is a well-formed classroom code: exactly six
// characters, all from [Alphabet]. It does not consult reservations.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// generate draws six symbols from the alphabet. 256 is a multiple of 32, so
// mapping bytes by modulo introduces no bias. Caller holds a.mu.
func (a *Allocator) generate() (string, error) {
	var buf [Length]byte
	if _, err := a.randRead(buf[:]); err != nil {
		return "", err
	}
	out := make([]byte, Length)
	for i, b := range buf {
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}

// expiryHeap is a min-heap of entries ordered by ExpiresAt. Removal by value
// is linear; it only happens on explicit Release, which is rare next to
// Resolve traffic.
type expiryHeap []*Entry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(*Entry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h *expiryHeap) remove(e *Entry) {
	for i, cur := range *h {
		if cur == e {
			heap.Remove(h, i)
			return
		}
	}
}
