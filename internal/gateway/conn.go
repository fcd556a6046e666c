// Package gateway owns the websocket edge of the relay: connection accept,
// frame size and rate limits, the bounded per-connection send queue, and
// keepalive. It decodes inbound frames and hands them to a [Handler]; it
// knows nothing about sessions or translation.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/protocol"
)

const (
	// pingInterval is how often the server probes an idle connection.
	pingInterval = 20 * time.Second

	// pongTimeout is how long a probe may go unanswered before the
	// connection is considered dead.
	pongTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// drainTimeout bounds the final queue flush during connection close, so
	// a stuck peer cannot hold the writer goroutine.
	drainTimeout = 2 * time.Second
)

// Conn is one live client connection. All methods are safe for concurrent
// use; Send never blocks on the network.
type Conn struct {
	id    string
	ws    *websocket.Conn
	queue *sendQueue

	metrics *observe.Metrics

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	closeStatus websocket.StatusCode
	closeReason string
}

func newConn(id string, ws *websocket.Conn, queueDepth int, metrics *observe.Metrics) *Conn {
	c := &Conn{
		id:          id,
		ws:          ws,
		metrics:     metrics,
		done:        make(chan struct{}),
		closeStatus: websocket.StatusNormalClosure,
	}
	c.queue = newSendQueue(queueDepth, func(victim protocol.Envelope) {
		c.metrics.RecordDrop(context.Background(), string(victim.Kind()))
		slog.Debug("outbound envelope dropped under backpressure",
			"conn_id", id, "type", victim.Kind())
	})
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Send enqueues env for delivery. Under backpressure the oldest non-critical
// queued envelope is dropped; control envelopes are never dropped. Returns
// false when the connection is already closed.
func (c *Conn) Send(env protocol.Envelope) bool {
	return c.queue.push(env)
}

// SendError enqueues an error envelope with a stable code.
func (c *Conn) SendError(code, message string) bool {
	return c.Send(protocol.NewError(code, message))
}

// Close tears the connection down with the given websocket status. The first
// call wins; queued envelopes get a bounded drain before the socket closes.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeStatus = status
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// NotifyExpiredAndClose sends a session.expired control envelope and then
// closes. The envelope is critical so the drain in the writer delivers it
// before the close handshake.
func (c *Conn) NotifyExpiredAndClose(reason string) {
	c.Send(protocol.NewSessionExpired(reason))
	c.Close(websocket.StatusNormalClosure, "session expired")
}

// run starts the writer and keepalive goroutines. ctx governs their
// lifetime; cancellation closes the connection.
func (c *Conn) run(ctx context.Context) {
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.pingLoop(ctx)
}

// wait blocks until the writer and keepalive goroutines have exited.
func (c *Conn) wait() { c.wg.Wait() }

// writeLoop delivers queued envelopes in order. On shutdown it drains the
// remaining queue within drainTimeout, then performs the close handshake.
func (c *Conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutting down")
			c.finish(ctx)
			return
		case <-c.done:
			c.finish(ctx)
			return
		case <-c.queue.signal:
			for {
				env, ok := c.queue.pop()
				if !ok {
					break
				}
				if err := c.writeEnvelope(ctx, env); err != nil {
					c.Close(websocket.StatusAbnormalClosure, "write failed")
					c.finish(ctx)
					return
				}
			}
		}
	}
}

// finish flushes what it can and closes the socket.
func (c *Conn) finish(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		env, ok := c.queue.pop()
		if !ok {
			break
		}
		if err := c.writeEnvelope(drainCtx, env); err != nil {
			break
		}
	}
	c.queue.close()

	c.mu.Lock()
	status, reason := c.closeStatus, c.closeReason
	c.mu.Unlock()
	c.ws.Close(status, reason)
}

func (c *Conn) writeEnvelope(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		// Encoding failures are programming errors; skip the frame rather
		// than kill the connection.
		slog.Error("envelope encode failed", "conn_id", c.id, "type", env.Kind(), "err", err)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// pingLoop probes the peer at pingInterval. An unanswered probe closes the
// connection as idle.
func (c *Conn) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				slog.Info("connection idle, no pong", "conn_id", c.id)
				c.Close(websocket.StatusGoingAway, protocol.CodeIdleTimeout)
				return
			}
		}
	}
}
