package gateway

import (
	"sync"

	"github.com/MrWong99/polyglossa/internal/protocol"
)

// Hub indexes live connections by ID so the translation pipeline can deliver
// envelopes without holding a reference to the gateway. Safe for concurrent
// use.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// Get returns the connection with the given ID, if still open.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Send delivers env to the connection with the given ID. Returns false when
// the connection is gone or its queue is closed.
func (h *Hub) Send(id string, env protocol.Envelope) bool {
	c, ok := h.Get(id)
	if !ok {
		return false
	}
	return c.Send(env)
}

// CloseExpired notifies every listed connection that its session ended and
// closes it.
func (h *Hub) CloseExpired(connIDs []string, reason string) {
	for _, id := range connIDs {
		if c, ok := h.Get(id); ok {
			c.NotifyExpiredAndClose(reason)
		}
	}
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
