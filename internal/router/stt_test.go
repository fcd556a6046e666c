package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider/stt"
)

// recordingHandle captures the context sendAudio forwards chunks with.
type recordingHandle struct {
	events   chan stt.Event
	deadline time.Time
	hasDL    bool
	err      error
}

func (h *recordingHandle) SendAudio(ctx context.Context, _ []byte) error {
	h.deadline, h.hasDL = ctx.Deadline()
	return h.err
}

func (h *recordingHandle) Events() <-chan stt.Event { return h.events }

func (h *recordingHandle) Close() error {
	close(h.events)
	return nil
}

func TestSendAudio_BoundsEachChunk(t *testing.T) {
	h := &recordingHandle{events: make(chan stt.Event)}
	p := &sttPump{handle: h, done: make(chan struct{})}

	before := time.Now()
	if err := p.sendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("sendAudio: %v", err)
	}
	if !h.hasDL {
		t.Fatal("chunk hand-off carries no deadline; a stalled provider would wedge the read loop")
	}
	if d := h.deadline.Sub(before); d > sttChunkTimeout+time.Second {
		t.Errorf("deadline %v from now, want at most %v", d, sttChunkTimeout)
	}
}

func TestSendAudio_PropagatesProviderError(t *testing.T) {
	wantErr := errors.New("stream torn down")
	h := &recordingHandle{events: make(chan stt.Event), err: wantErr}
	p := &sttPump{handle: h, done: make(chan struct{})}

	if err := p.sendAudio(nil); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}
