package gateway

import (
	"sync"

	"github.com/MrWong99/polyglossa/internal/protocol"
)

// sendQueue is the bounded per-connection outbound buffer. When the queue is
// full, enqueueing drops the oldest non-critical envelope to make room;
// critical (control) envelopes are never dropped and may grow the queue past
// its depth rather than be lost.
type sendQueue struct {
	mu     sync.Mutex
	items  []protocol.Envelope
	depth  int
	closed bool

	// signal carries one token per wakeup for the writer goroutine.
	signal chan struct{}

	// dropped observes each drop. May be nil.
	dropped func(protocol.Envelope)
}

func newSendQueue(depth int, onDrop func(protocol.Envelope)) *sendQueue {
	if depth <= 0 {
		depth = 64
	}
	return &sendQueue{
		depth:   depth,
		signal:  make(chan struct{}, 1),
		dropped: onDrop,
	}
}

// push enqueues env, evicting the oldest non-critical entry when full.
// Returns false if the queue is closed.
func (q *sendQueue) push(env protocol.Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.items) >= q.depth && !protocol.Critical(env) {
		if i := q.oldestDroppableLocked(); i >= 0 {
			victim := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			if q.dropped != nil {
				q.dropped(victim)
			}
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return false
			}
		} else {
			// Every queued entry is critical; the new non-critical envelope
			// is the one to shed.
			q.mu.Unlock()
			if q.dropped != nil {
				q.dropped(env)
			}
			return true
		}
	}

	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// oldestDroppableLocked returns the index of the oldest non-critical entry,
// or -1 when none exists. Caller holds q.mu.
func (q *sendQueue) oldestDroppableLocked() int {
	for i, env := range q.items {
		if !protocol.Critical(env) {
			return i
		}
	}
	return -1
}

// pop dequeues the oldest envelope. The second return is false when the
// queue is empty.
func (q *sendQueue) pop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// close marks the queue closed and wakes the writer so it can exit.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// len reports the current queue length.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
