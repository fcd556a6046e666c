// Package pipeline turns finalized teacher utterances into per-language
// translation deliveries. Each (session, target language) pair gets a serial
// job queue so translations arrive in utterance order per student language,
// while distinct languages translate in parallel. A global semaphore caps
// in-flight provider work across all sessions.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/protocol"
	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/repository"
)

const (
	// translateTimeout bounds one translation attempt.
	translateTimeout = 5 * time.Second

	// ttsTimeout bounds the single speech synthesis attempt.
	ttsTimeout = 4 * time.Second

	// queueDepth is the per-(session, language) job buffer. A full queue
	// drops the utterance for that language; the next utterance catches up.
	queueDepth = 32

	// recentTTL is how long an utterance ID is remembered for dedupe.
	recentTTL = 2 * time.Minute
)

// Utterance is one finalized teacher utterance entering the pipeline.
type Utterance struct {
	SessionID      string
	UtteranceID    string
	Text           string
	SourceLanguage string
	TeacherConnID  string
	Timestamp      int64
	Manual         bool
}

// Sender delivers envelopes to live connections. *gateway.Hub satisfies it.
type Sender interface {
	Send(connID string, env protocol.Envelope) bool
}

// Orchestrator owns the translation fan-out. Safe for concurrent use.
type Orchestrator struct {
	translator translate.Provider
	tts        tts.Provider // nil disables synthesis
	reg        *registry.Registry
	sender     Sender
	repo       repository.Store // nil disables audit writes
	metrics    *observe.Metrics

	sem *semaphore.Weighted
	sf  singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*langQueue // sessionID+"|"+language
	recent map[string]time.Time  // sessionID+"|"+utteranceID → first seen
}

// Config configures an [Orchestrator].
type Config struct {
	Translator translate.Provider
	TTS        tts.Provider
	Registry   *registry.Registry
	Sender     Sender
	Repo       repository.Store
	Metrics    *observe.Metrics

	// MaxJobs caps in-flight translation jobs across all sessions.
	// Default 2000.
	MaxJobs int
}

// New creates an Orchestrator. Call [Orchestrator.Close] to stop its workers.
func New(cfg Config) *Orchestrator {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 2000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		translator: cfg.Translator,
		tts:        cfg.TTS,
		reg:        cfg.Registry,
		sender:     cfg.Sender,
		repo:       cfg.Repo,
		metrics:    cfg.Metrics,
		sem:        semaphore.NewWeighted(int64(cfg.MaxJobs)),
		baseCtx:    ctx,
		stop:       cancel,
		queues:     make(map[string]*langQueue),
		recent:     make(map[string]time.Time),
	}
}

// Submit fans u out to every currently subscribed target language. Duplicate
// submissions of the same utterance (client retries) are dropped. Submit
// never blocks on provider work.
func (o *Orchestrator) Submit(ctx context.Context, u Utterance) {
	if u.Text == "" || u.SessionID == "" {
		return
	}
	if !o.firstSeen(u) {
		slog.Debug("duplicate utterance ignored",
			"session_id", u.SessionID, "utterance_id", u.UtteranceID)
		return
	}

	// Transcript row first so the utterance is auditable even when every
	// translation fails.
	o.persistTranscript(ctx, u)

	langs := o.reg.TargetLanguages(u.SessionID)
	tr := o.newTracker(u, len(langs))
	if len(langs) == 0 {
		// Nobody listening; acknowledge the teacher immediately.
		o.finishUtterance(tr)
		return
	}

	for _, lang := range langs {
		q := o.queue(u.SessionID, lang)
		if !q.enqueue(job{u: u, language: lang, tracker: tr}) {
			slog.Warn("language queue full, utterance dropped for language",
				"session_id", u.SessionID, "language", lang, "utterance_id", u.UtteranceID)
			tr.langDone(lang, stageLatency{})
		}
	}
}

// firstSeen records u and reports whether it was seen for the first time.
func (o *Orchestrator) firstSeen(u Utterance) bool {
	key := u.SessionID + "|" + u.UtteranceID
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if seen, ok := o.recent[key]; ok && now.Sub(seen) < recentTTL {
		return false
	}
	o.recent[key] = now

	// Amortised pruning keeps the map bounded without a timer.
	if len(o.recent) > 4096 {
		for k, t := range o.recent {
			if now.Sub(t) >= recentTTL {
				delete(o.recent, k)
			}
		}
	}
	return true
}

// CancelLanguage drops the serial queue for one (session, language),
// cancelling its in-flight job. Called when the last student of a language
// leaves or switches away.
func (o *Orchestrator) CancelLanguage(sessionID, language string) {
	o.mu.Lock()
	key := sessionID + "|" + language
	q, ok := o.queues[key]
	if ok {
		delete(o.queues, key)
	}
	o.mu.Unlock()

	if ok {
		q.cancel()
		q.drainAbandoned()
		slog.Debug("language queue cancelled", "session_id", sessionID, "language", language)
	}
}

// CancelSession drops every queue belonging to the session. Called on
// session expiry.
func (o *Orchestrator) CancelSession(sessionID string) {
	prefix := sessionID + "|"

	o.mu.Lock()
	var doomed []*langQueue
	for key, q := range o.queues {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, q)
			delete(o.queues, key)
		}
	}
	o.mu.Unlock()

	for _, q := range doomed {
		q.cancel()
		q.drainAbandoned()
	}
}

// Close cancels all workers and waits for them to exit.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// queue returns the serial queue for (sessionID, language), creating it and
// its worker on first use.
func (o *Orchestrator) queue(sessionID, language string) *langQueue {
	key := sessionID + "|" + language

	o.mu.Lock()
	defer o.mu.Unlock()

	if q, ok := o.queues[key]; ok {
		return q
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	q := &langQueue{
		sessionID: sessionID,
		language:  language,
		jobs:      make(chan job, queueDepth),
		ctx:       ctx,
		stop:      cancel,
	}
	o.queues[key] = q

	o.wg.Add(1)
	go o.worker(q)
	return q
}

func (o *Orchestrator) persistTranscript(ctx context.Context, u Utterance) {
	if o.repo == nil {
		return
	}
	err := o.repo.InsertTranscript(ctx, repository.TranscriptRecord{
		SessionID:   u.SessionID,
		UtteranceID: u.UtteranceID,
		Text:        u.Text,
		Language:    u.SourceLanguage,
		CreatedAt:   time.UnixMilli(u.Timestamp),
	})
	if err != nil {
		slog.Warn("transcript insert failed",
			"session_id", u.SessionID, "utterance_id", u.UtteranceID, "err", err)
	}
}
