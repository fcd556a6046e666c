package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/repository"
)

// job is one utterance bound for one target language.
type job struct {
	u        Utterance
	language string
	tracker  *tracker
}

// langQueue serialises jobs for one (session, language) so translations
// arrive in utterance order.
type langQueue struct {
	sessionID string
	language  string
	jobs      chan job
	ctx       context.Context
	stop      context.CancelFunc
}

// enqueue queues j without blocking. Returns false when the buffer is full
// or the queue is cancelled.
func (q *langQueue) enqueue(j job) bool {
	select {
	case <-q.ctx.Done():
		return false
	case q.jobs <- j:
		return true
	default:
		return false
	}
}

func (q *langQueue) cancel() { q.stop() }

// drainAbandoned marks every job still buffered at cancel time as done, so
// utterance trackers waiting on this language still complete and the teacher
// gets processing_complete. Racing with the worker is fine: each job is
// received exactly once, and the worker's own cancelled-context path also
// ends in langDone.
func (q *langQueue) drainAbandoned() {
	for {
		select {
		case j := <-q.jobs:
			j.tracker.langDone(j.language, stageLatency{})
		default:
			return
		}
	}
}

// worker drains one language queue until cancellation.
func (o *Orchestrator) worker(q *langQueue) {
	defer o.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			o.process(q.ctx, j)
		}
	}
}

// process runs one job end to end: translate with retry, optionally
// synthesize, fan out, persist.
func (o *Orchestrator) process(ctx context.Context, j job) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		j.tracker.langDone(j.language, stageLatency{})
		return
	}
	defer o.sem.Release(1)

	lat := stageLatency{}
	res, err := o.translateOnce(ctx, j, &lat)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled queue; nobody wants this result anymore.
			j.tracker.langDone(j.language, lat)
			return
		}
		o.metrics.RecordProviderError(ctx, "translate")
		slog.Warn("translation failed after retries",
			"session_id", j.u.SessionID, "utterance_id", j.u.UtteranceID,
			"language", j.language, "err", err)
		// Subscribers of this language learn about the gap; the failed row is
		// persisted with a nil translation.
		o.persistTranslation(ctx, j, nil, lat)
		for _, sub := range o.reg.Subscribers(j.u.SessionID, j.language) {
			o.sender.Send(sub.ConnID, translationFailedError(j.language))
		}
		j.tracker.langDone(j.language, lat)
		return
	}

	subs := o.reg.Subscribers(j.u.SessionID, j.language)
	audio := o.synthesize(ctx, j, res.Text, subs, &lat)

	lat.totalMS = time.Since(j.tracker.start).Milliseconds()
	delivered := o.fanout(j, res.Text, audio, subs, lat)
	if delivered > 0 {
		o.reg.RecordTranslations(j.u.SessionID, delivered)
		o.metrics.RecordDelivery(ctx, j.language, int64(delivered))
	}

	o.persistTranslation(ctx, j, &res.Text, lat)
	j.tracker.langDone(j.language, lat)
}

// translateOnce runs the translation with the retry policy and stage timing.
// Concurrent duplicates of the same (utterance, language) collapse onto one
// provider call via singleflight.
func (o *Orchestrator) translateOnce(ctx context.Context, j job, lat *stageLatency) (translate.Result, error) {
	start := time.Now()
	v, err, _ := o.sf.Do(j.u.SessionID+"|"+j.u.UtteranceID+"|"+j.language, func() (any, error) {
		var res translate.Result
		err := resilience.Retry(ctx, resilience.RetryConfig{Attempts: 3}, func(ctx context.Context) error {
			tctx, cancel := context.WithTimeout(ctx, translateTimeout)
			defer cancel()
			var err error
			res, err = o.translator.Translate(tctx, translate.Request{
				Text:           j.u.Text,
				SourceLanguage: j.u.SourceLanguage,
				TargetLanguage: j.language,
			})
			return err
		})
		return res, err
	})
	lat.translationMS = time.Since(start).Milliseconds()
	if err != nil {
		return translate.Result{}, err
	}
	o.metrics.RecordTranslationDuration(ctx, time.Since(start))
	return v.(translate.Result), nil
}

// synthesize produces audio for the translated text when a subscriber wants
// it. TTS gets a single bounded attempt; on failure the translation is
// delivered without audio.
func (o *Orchestrator) synthesize(ctx context.Context, j job, text string, subs []registry.Subscriber, lat *stageLatency) *tts.Audio {
	if o.tts == nil || !anyWantsAudio(subs) {
		return nil
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, ttsTimeout)
	defer cancel()
	audio, err := o.tts.Synthesize(tctx, tts.Request{
		Text:     text,
		Language: j.language,
	})
	lat.ttsMS = time.Since(start).Milliseconds()
	if err != nil {
		o.metrics.RecordProviderError(ctx, "tts")
		slog.Warn("tts failed, delivering text only",
			"session_id", j.u.SessionID, "language", j.language, "err", err)
		return nil
	}
	o.metrics.RecordTTSDuration(ctx, time.Since(start))
	return &audio
}

func (o *Orchestrator) persistTranslation(ctx context.Context, j job, text *string, lat stageLatency) {
	if o.repo == nil {
		return
	}
	err := o.repo.InsertTranslation(ctx, repository.TranslationRecord{
		SessionID:      j.u.SessionID,
		UtteranceID:    j.u.UtteranceID,
		SourceLanguage: j.u.SourceLanguage,
		TargetLanguage: j.language,
		SourceText:     j.u.Text,
		TranslatedText: text,
		Latency: repository.LatencyComponents{
			TranslationMS: lat.translationMS,
			TTSMS:         lat.ttsMS,
			TotalMS:       lat.totalMS,
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("translation insert failed",
			"session_id", j.u.SessionID, "utterance_id", j.u.UtteranceID,
			"language", j.language, "err", err)
	}
}
