// Package admin exposes the operational HTTP surface of the relay: session
// inspection, forced cleanup, health probes, and the Prometheus metrics
// endpoint. It is intended to be bound to an internal address, not the
// public websocket port.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/polyglossa/internal/health"
	"github.com/MrWong99/polyglossa/internal/registry"
)

// Expirer force-expires sessions. *coordinator.Coordinator satisfies it with
// full connection teardown; tests can substitute the registry directly.
type Expirer interface {
	ExpireSession(sessionID, reason string) error
}

// Server is the admin HTTP API.
type Server struct {
	reg     *registry.Registry
	sweeper *registry.Sweeper
	expirer Expirer
	health  *health.Handler
}

// Config configures an admin [Server].
type Config struct {
	Registry *registry.Registry
	Sweeper  *registry.Sweeper
	Expirer  Expirer
	Health   *health.Handler
}

// New creates the admin server.
func New(cfg Config) *Server {
	return &Server{
		reg:     cfg.Registry,
		sweeper: cfg.Sweeper,
		expirer: cfg.Expirer,
		health:  cfg.Health,
	}
}

// Routes builds the chi router for the admin surface.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		s.health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/active", s.handleActiveSessions)
		r.Post("/cleanup-now", s.handleCleanupNow)
		r.Get("/{sessionID}/status", s.handleSessionStatus)
		r.Delete("/{sessionID}", s.handleExpireSession)
	})
	return r
}

// handleActiveSessions lists every non-expired session snapshot.
func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.reg.ActiveSnapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snaps),
		"sessions": snaps,
	})
}

// handleCleanupNow runs one sweep tick synchronously and reports the result.
func (s *Server) handleCleanupNow(w http.ResponseWriter, r *http.Request) {
	res := s.sweeper.SweepNow(r.Context())
	slog.Info("admin triggered sweep",
		"active_sessions", res.ActiveSessions,
		"expired_this_tick", res.ExpiredThisTick,
	)
	writeJSON(w, http.StatusOK, res)
}

// handleSessionStatus returns one session snapshot.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	snap, ok := s.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleExpireSession force-expires one session.
func (s *Server) handleExpireSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.expirer.ExpireSession(id, registry.ReasonAdmin); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired", "sessionId": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
