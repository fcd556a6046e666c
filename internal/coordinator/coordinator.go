// Package coordinator wires all relay subsystems into a running service.
//
// The Coordinator owns the full lifecycle: New creates and connects the
// session registry, websocket gateway, frame router, translation pipeline,
// and cleanup sweeper; Run executes the background loops; Shutdown tears
// everything down in order, expiring every live session first so connected
// clients receive session.expired before the sockets close.
package coordinator

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/polyglossa/internal/code"
	"github.com/MrWong99/polyglossa/internal/config"
	"github.com/MrWong99/polyglossa/internal/gateway"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/internal/router"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/repository"
)

// Providers holds one interface value per provider slot. STT and TTS may be
// nil: audio frames are then rejected and deliveries go text-only. The
// translator is mandatory. Populated by main via the config registry.
type Providers struct {
	STT        stt.Provider
	Translator translate.Provider
	TTS        tts.Provider
}

// Coordinator owns all subsystem lifetimes.
type Coordinator struct {
	cfg *config.Config

	codes   *code.Allocator
	reg     *registry.Registry
	hub     *gateway.Hub
	orch    *pipeline.Orchestrator
	router  *router.Router
	ws      *gateway.Server
	sweeper *registry.Sweeper

	verifierOverride router.Verifier

	stopOnce sync.Once
}

// Option is a functional option for [New]. Used to inject test doubles.
type Option func(*Coordinator)

// WithCodeAllocator injects a classroom code allocator instead of creating
// one from the config.
func WithCodeAllocator(a *code.Allocator) Option {
	return func(c *Coordinator) { c.codes = a }
}

// WithVerifier overrides the teacher token verifier derived from the config.
func WithVerifier(v router.Verifier) Option {
	return func(c *Coordinator) { c.verifierOverride = v }
}

// New wires the relay subsystems together. repo and metrics may be nil;
// audit writes and instrumentation are then skipped.
func New(cfg *config.Config, providers Providers, repo repository.Store, metrics *observe.Metrics, opts ...Option) *Coordinator {
	c := &Coordinator{cfg: cfg}
	for _, o := range opts {
		o(c)
	}

	if c.codes == nil {
		c.codes = code.NewAllocator(cfg.Session.CodeTTL)
	}

	c.reg = registry.New(registry.Config{
		CodeTTL:             cfg.Session.CodeTTL,
		StaleTimeout:        cfg.Session.StaleTimeout,
		EmptyTeacherTimeout: cfg.Session.EmptyTeacherTimeout,
		StudentsLeftTimeout: cfg.Session.StudentsLeftTimeout,
		ReconnectGrace:      cfg.Session.ReconnectGrace,
		MaxSessions:         cfg.Limits.MaxSessions,
	}, c.codes, repo, registry.WithMetrics(metrics))

	c.hub = gateway.NewHub()

	c.orch = pipeline.New(pipeline.Config{
		Translator: providers.Translator,
		TTS:        providers.TTS,
		Registry:   c.reg,
		Sender:     c.hub,
		Repo:       repo,
		Metrics:    metrics,
		MaxJobs:    cfg.Limits.MaxTranslationJobs,
	})

	verifier := c.verifierOverride
	if verifier == nil {
		if cfg.Server.TestMode {
			verifier = router.BypassVerifier{}
		} else {
			verifier = router.NewStaticVerifier(cfg.Auth.TeacherTokens)
		}
	}

	c.router = router.New(router.Config{
		Registry:   c.reg,
		Hub:        c.hub,
		Verifier:   verifier,
		Dispatcher: c.orch,
		STT:        providers.STT,
		TwoWay:     cfg.Features.TwoWay,
	})

	c.ws = gateway.NewServer(gateway.ServerConfig{
		Handler:        c.router,
		Hub:            c.hub,
		Metrics:        metrics,
		MaxConnections: cfg.Limits.MaxConnections,
		QueueDepth:     cfg.Limits.SendQueueDepth,
	})

	c.sweeper = registry.NewSweeper(registry.SweeperConfig{
		Interval: cfg.Session.CleanupInterval,
		Registry: c.reg,
		Codes:    c.codes,
		Repo:     repo,
		Metrics:  metrics,
	})

	// Expiry fan-out: notify and close every connection of the session, then
	// drop its in-flight translation work. Runs outside the registry lock.
	c.reg.SetExpireHook(func(snap registry.Snapshot, reason string) {
		connIDs := make([]string, 0, len(snap.Students)+1)
		if snap.TeacherConnID != "" {
			connIDs = append(connIDs, snap.TeacherConnID)
		}
		for _, st := range snap.Students {
			connIDs = append(connIDs, st.ConnID)
		}
		c.hub.CloseExpired(connIDs, reason)
		c.orch.CancelSession(snap.SessionID)
	})

	return c
}

// Registry exposes the session table, for the admin surface.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Sweeper exposes the cleanup sweeper, for the admin surface.
func (c *Coordinator) Sweeper() *registry.Sweeper { return c.sweeper }

// Hub exposes the connection hub.
func (c *Coordinator) Hub() *gateway.Hub { return c.hub }

// ExpireSession force-expires one session. Connection teardown and pipeline
// cancellation happen through the expire hook.
func (c *Coordinator) ExpireSession(sessionID, reason string) error {
	return c.reg.ExpireSession(sessionID, reason)
}

// Handler returns the public HTTP surface: the websocket endpoint at /ws.
func (c *Coordinator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/ws", c.ws)
	return r
}

// Run executes the cleanup sweeper until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.sweeper.Run(ctx)
}

// Shutdown expires every live session (delivering session.expired to all
// connected clients) and stops the pipeline workers. Safe to call more than
// once.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.reg.ExpireAll(registry.ReasonAdmin)
		// Flush terminal records while the process is still up; failures are
		// retried by a fresh process reading the audit store.
		c.sweeper.SweepNow(ctx)
		c.orch.Close()
	})
}
