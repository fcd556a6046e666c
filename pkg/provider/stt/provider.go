// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// a hosted Whisper server) behind a uniform streaming interface. Once opened,
// a session accepts base64-decoded audio chunks from the teacher connection
// and emits [Event] values: low-latency interim hypotheses for the classroom
// UI and authoritative finals that become utterances for translation fan-out.
//
// Implementations must be safe to invoke concurrently across sessions.
package stt

import "context"

// StreamConfig describes the audio and recognition settings for a new
// transcription stream.
type StreamConfig struct {
	// Language is the BCP-47 tag of the teacher's spoken language
	// (e.g., "en-US"). Empty lets the provider auto-detect, if supported.
	Language string

	// SampleRate is the audio sample rate in Hz. Zero selects the provider
	// default.
	SampleRate int
}

// Event is one transcription result emitted by a stream.
type Event struct {
	// Text is the recognised text so far (interim) or the committed result
	// (final).
	Text string

	// IsFinal marks an authoritative result. Finals become utterances.
	IsFinal bool

	// Confidence is the provider's confidence in [0,1], when reported.
	Confidence float64
}

// SessionHandle is an open streaming transcription session. Callers must
// call Close when done; failing to do so may leak goroutines inside the
// provider. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one decoded audio chunk to the provider, returning
	// when the chunk is accepted, ctx is done, or the session is closed.
	// Calling SendAudio after Close returns an error.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events returns a read-only channel of transcription results. The
	// channel is closed when the session ends.
	Events() <-chan Event

	// Close flushes pending audio, terminates the stream, and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a streaming transcription session. The stream honours
	// ctx cancellation on a best-effort basis: when ctx is cancelled the
	// session shuts down and the Events channel closes.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
