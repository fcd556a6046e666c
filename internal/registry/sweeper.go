package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/polyglossa/internal/code"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/pkg/repository"
)

// SweepResult summarises one sweep tick. It is returned by the on-demand
// admin trigger and logged after every periodic tick.
type SweepResult struct {
	ActiveSessions  int `json:"activeSessions"`
	ExpiredThisTick int `json:"expiredThisTick"`
	ReusableCodes   int `json:"reusableCodes"`
	RemovedSessions int `json:"removedSessions"`
}

// Sweeper periodically reconciles session timers, the classroom code
// allocator's quarantine, and terminal records in durable storage. It is the
// sole writer of terminal session rows.
type Sweeper struct {
	interval time.Duration
	reg      *Registry
	codes    *code.Allocator
	repo     repository.Store
	metrics  *observe.Metrics
	now      func() time.Time
}

// SweeperConfig holds the dependencies of a [Sweeper].
type SweeperConfig struct {
	// Interval is the sweep period. Defaults to two minutes.
	Interval time.Duration

	// Registry is the session table to advance.
	Registry *Registry

	// Codes is the classroom code allocator to reconcile.
	Codes *code.Allocator

	// Repo receives terminal session records. May be nil.
	Repo repository.Store

	// Metrics receives per-tick gauges and counters. May be nil.
	Metrics *observe.Metrics

	// Now overrides the time source. Used by tests.
	Now func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		interval: cfg.Interval,
		reg:      cfg.Registry,
		codes:    cfg.Codes,
		repo:     cfg.Repo,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Run executes sweep ticks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.SweepNow(ctx)
		}
	}
}

// SweepNow performs one sweep tick:
//
//  1. Drain the allocator quarantine; expire lapsed codes into it.
//  2. Fire due session timers, transitioning sessions to Expired.
//  3. Flush terminal records for expired sessions (retrying failures on the
//     next tick), then remove flushed sessions from the registry.
//  4. Emit the sweep metric.
func (w *Sweeper) SweepNow(ctx context.Context) SweepResult {
	now := w.now()

	reusable := w.codes.Sweep(now)

	expired, pendingEnd := w.reg.advance(now)
	for _, snap := range expired {
		w.reg.notifyExpired([]Snapshot{snap}, snap.ExpireReason)
	}

	for _, snap := range pendingEnd {
		if w.repo == nil {
			w.reg.markEnded(snap.SessionID)
			continue
		}
		err := w.repo.EndSession(ctx, snap.SessionID, snap.ExpiredAt, repository.SessionTotals{
			TotalTranslations: snap.TotalTranslations,
			PeakStudents:      snap.PeakStudents,
		})
		if err != nil {
			slog.Warn("terminal record flush failed, will retry",
				"session_id", snap.SessionID, "err", err)
			continue
		}
		w.reg.markEnded(snap.SessionID)
	}
	removed := w.reg.removePersisted()

	res := SweepResult{
		ActiveSessions:  w.reg.Count(),
		ExpiredThisTick: len(expired),
		ReusableCodes:   reusable,
		RemovedSessions: removed,
	}

	if w.metrics != nil {
		w.metrics.ReusableCodes.Record(ctx, int64(reusable))
	}
	slog.Debug("sweep tick",
		"active_sessions", res.ActiveSessions,
		"expired_this_tick", res.ExpiredThisTick,
		"reusable_codes", res.ReusableCodes,
		"removed_sessions", res.RemovedSessions,
	)
	return res
}
