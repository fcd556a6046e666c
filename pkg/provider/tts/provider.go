// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider synthesizes one translated utterance into a complete audio
// payload that the relay forwards to students as base64. Synthesis is
// attempted once per delivery; on failure the translation is delivered
// text-only.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request is one synthesis call.
type Request struct {
	// Text is the text to synthesize.
	Text string

	// Language is the BCP-47 tag of Text.
	Language string

	// VoiceHints carries provider-specific voice selection values
	// (voice id, gender, speed). May be nil.
	VoiceHints map[string]string
}

// Audio is a completed synthesis result.
type Audio struct {
	// Data is the encoded audio payload.
	Data []byte

	// Format names the container/codec of Data (e.g., "mp3", "wav",
	// "pcm16"). Forwarded to clients as audioFormat.
	Format string
}

// Provider is the abstraction over any TTS backend. Deadlines are carried on
// ctx.
type Provider interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
