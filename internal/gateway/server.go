package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/protocol"
)

// Handler consumes decoded frames from the gateway. Implementations must not
// block for long; heavy work belongs on the pipeline.
type Handler interface {
	// HandleFrame processes one decoded text frame.
	HandleFrame(ctx context.Context, c *Conn, in protocol.Inbound)

	// HandleBinary processes one binary frame (raw audio from the teacher).
	HandleBinary(ctx context.Context, c *Conn, data []byte)

	// Disconnected is called exactly once after the connection is gone and
	// removed from the hub.
	Disconnected(connID string)
}

// readLimitHeadroom is the slack above [protocol.MaxFrameBytes] granted to
// the websocket read limit so frames just over the ceiling reach readLoop.
const readLimitHeadroom = 4096

// Server accepts websocket connections and runs their read loops.
type Server struct {
	handler Handler
	hub     *Hub
	metrics *observe.Metrics

	maxConnections int
	queueDepth     int
}

// ServerConfig configures a [Server].
type ServerConfig struct {
	Handler Handler
	Hub     *Hub

	// Metrics may be nil.
	Metrics *observe.Metrics

	// MaxConnections caps concurrently open connections. Zero means
	// unlimited.
	MaxConnections int

	// QueueDepth is the per-connection send queue depth.
	QueueDepth int
}

// NewServer creates a websocket gateway server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		handler:        cfg.Handler,
		hub:            cfg.Hub,
		metrics:        cfg.Metrics,
		maxConnections: cfg.MaxConnections,
		queueDepth:     cfg.QueueDepth,
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// It satisfies http.Handler so it can be mounted on any router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect from arbitrary school domains; access
		// control happens at register time, not at the origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	// Headroom above the protocol ceiling so an oversized frame can still be
	// read and answered with payload_too_large instead of a bare 1009.
	ws.SetReadLimit(protocol.MaxFrameBytes + readLimitHeadroom)

	if s.maxConnections > 0 && s.hub.Len() >= s.maxConnections {
		// Upgrade first so the rejection arrives as a protocol envelope the
		// client can act on, then close with a retry hint.
		s.rejectCapacity(r.Context(), ws)
		slog.Warn("connection capacity reached", "remote", r.RemoteAddr)
		return
	}

	connID := uuid.NewString()
	c := newConn(connID, ws, s.queueDepth, s.metrics)
	s.hub.add(c)
	s.metrics.ConnectionOpened(r.Context())
	slog.Info("connection opened", "conn_id", connID, "remote", r.RemoteAddr)

	ctx := r.Context()
	c.run(ctx)
	s.readLoop(ctx, c)

	c.Close(websocket.StatusNormalClosure, "")
	c.wait()
	s.hub.remove(connID)
	s.metrics.ConnectionClosed(context.WithoutCancel(ctx))
	s.handler.Disconnected(connID)
	slog.Info("connection closed", "conn_id", connID)
}

// rejectCapacity tells a client the connection ceiling is reached and closes
// the fresh socket. The envelope goes out before the close frame so the
// client sees error.capacity with a retry hint rather than a bare close.
func (s *Server) rejectCapacity(ctx context.Context, ws *websocket.Conn) {
	env := protocol.NewError(protocol.CodeCapacity, "connection capacity reached, retry later")
	env.RetryAfterSec = 5
	if data, err := protocol.Encode(env); err == nil {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = ws.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	ws.Close(websocket.StatusTryAgainLater, protocol.CodeCapacity)
}

// readLoop consumes frames until the connection dies. Malformed JSON is a
// protocol violation and closes the connection; unknown frame types are
// answered with an error envelope and the connection stays open.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			s.logReadEnd(c, err)
			return
		}
		if len(data) > protocol.MaxFrameBytes {
			c.SendError(protocol.CodePayloadTooLarge, "frame exceeds the 1 MiB limit")
			c.Close(websocket.StatusMessageTooBig, protocol.CodePayloadTooLarge)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			s.handler.HandleBinary(ctx, c, data)
		case websocket.MessageText:
			in, err := protocol.DecodeInbound(data)
			if err != nil {
				c.SendError(protocol.CodeInvalidFrame, "frame is not a valid protocol message")
				c.Close(websocket.StatusPolicyViolation, protocol.CodeInvalidFrame)
				return
			}
			s.handler.HandleFrame(ctx, c, in)
		}
	}
}

func (s *Server) logReadEnd(c *Conn, err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		// Clean shutdown from the peer.
	case status == websocket.StatusMessageTooBig:
		// Frame blew past even the headroom above the protocol ceiling; the
		// library tore the connection down before readLoop could answer.
		slog.Warn("oversized frame", "conn_id", c.id, "limit", protocol.MaxFrameBytes)
	case errors.Is(err, context.Canceled):
	default:
		slog.Debug("read loop ended", "conn_id", c.id, "err", err)
	}
}
