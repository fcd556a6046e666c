package router

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
)

// sttPump bridges one teacher's audio stream to the STT provider: audio
// chunks go down the provider stream, recognition events come back up and
// finalized text is submitted to the pipeline exactly as if the teacher had
// sent a final transcription frame.
type sttPump struct {
	handle    stt.SessionHandle
	sessionID string
	connID    string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// startSTTPump opens a provider stream and starts the event loop.
func startSTTPump(ctx context.Context, prov stt.Provider, sessionID, language, connID string, d Dispatcher, reg *registry.Registry) (*sttPump, error) {
	handle, err := prov.StartStream(ctx, stt.StreamConfig{
		Language:   language,
		SampleRate: 16000,
	})
	if err != nil {
		return nil, err
	}

	p := &sttPump{
		handle:    handle,
		sessionID: sessionID,
		connID:    connID,
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.eventLoop(ctx, language, d, reg)
	return p, nil
}

// sttChunkTimeout bounds one audio chunk hand-off to the provider. A stalled
// provider stream must not wedge the teacher's read loop.
const sttChunkTimeout = 2 * time.Second

// sendAudio forwards one raw audio chunk to the provider.
func (p *sttPump) sendAudio(chunk []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sttChunkTimeout)
	defer cancel()
	return p.handle.SendAudio(ctx, chunk)
}

// finish closes the provider stream so it flushes a final result; the event
// loop keeps draining events until the provider closes the channel.
func (p *sttPump) finish() {
	p.once.Do(func() {
		close(p.done)
		p.handle.Close()
	})
}

// stop tears the pump down without waiting for a flush. Used on disconnect.
func (p *sttPump) stop() {
	p.finish()
	p.wg.Wait()
}

// eventLoop converts provider events into pipeline submissions. Interim
// events only stamp activity; finals become utterances with a content-derived
// ID so provider retries deduplicate.
func (p *sttPump) eventLoop(ctx context.Context, language string, d Dispatcher, reg *registry.Registry) {
	defer p.wg.Done()

	for ev := range p.handle.Events() {
		if ev.Text == "" {
			continue
		}
		reg.Touch(p.sessionID)
		if !ev.IsFinal {
			continue
		}
		ts := time.Now().UnixMilli()
		d.Submit(ctx, pipeline.Utterance{
			SessionID:      p.sessionID,
			UtteranceID:    UtteranceID(p.sessionID, ts, ev.Text),
			Text:           ev.Text,
			SourceLanguage: language,
			TeacherConnID:  p.connID,
			Timestamp:      ts,
		})
	}
}
