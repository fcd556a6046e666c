package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/internal/protocol"
)

// stageLatency carries per-stage timing for one (utterance, language) job.
type stageLatency struct {
	translationMS int64
	ttsMS         int64
	totalMS       int64
}

// tracker aggregates per-language completions for one utterance so the
// teacher gets exactly one processing_complete once every target language has
// finished (successfully or not).
type tracker struct {
	u     Utterance
	orch  *Orchestrator
	start time.Time

	mu        sync.Mutex
	pending   int
	languages []string
	worst     stageLatency
	notified  bool
}

func (o *Orchestrator) newTracker(u Utterance, langs int) *tracker {
	return &tracker{
		u:       u,
		orch:    o,
		start:   time.Now(),
		pending: langs,
	}
}

// langDone records one language's completion. The slowest stage times win,
// since the teacher cares about when the last student heard the utterance.
func (t *tracker) langDone(language string, lat stageLatency) {
	t.mu.Lock()
	t.languages = append(t.languages, language)
	if lat.translationMS > t.worst.translationMS {
		t.worst.translationMS = lat.translationMS
	}
	if lat.ttsMS > t.worst.ttsMS {
		t.worst.ttsMS = lat.ttsMS
	}
	t.pending--
	done := t.pending <= 0 && !t.notified
	if done {
		t.notified = true
	}
	t.mu.Unlock()

	if done {
		t.orch.finishUtterance(t)
	}
}

// finishUtterance notifies the teacher and records end-to-end latency.
func (o *Orchestrator) finishUtterance(t *tracker) {
	elapsed := time.Since(t.start)

	t.mu.Lock()
	langs := make([]string, len(t.languages))
	copy(langs, t.languages)
	worst := t.worst
	t.mu.Unlock()

	o.metrics.RecordPipelineDuration(context.Background(), elapsed)
	o.sender.Send(t.u.TeacherConnID, protocol.ProcessingComplete{
		Type:            protocol.TypeProcessingComplete,
		UtteranceID:     t.u.UtteranceID,
		TargetLanguages: langs,
		Latency: protocol.Latency{
			TranslationMS: worst.translationMS,
			TTSMS:         worst.ttsMS,
			TotalMS:       elapsed.Milliseconds(),
		},
	})
}
