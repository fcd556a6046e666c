// Package translate defines the Provider interface for text translation
// backends. A translator is pure and stateless: the same request always
// yields an equivalent result, and no session state is held between calls.
//
// Implementations must be safe for concurrent use; the pipeline issues one
// call per (utterance, target language) across many sessions at once.
package translate

import "context"

// Request is one translation call.
type Request struct {
	// Text is the source text to translate.
	Text string

	// SourceLanguage is the BCP-47 tag of Text.
	SourceLanguage string

	// TargetLanguage is the BCP-47 tag to translate into.
	TargetLanguage string
}

// Result is a successful translation.
type Result struct {
	// Text is the translated text.
	Text string

	// DetectedSource is the source language the provider actually used, when
	// it differs from the requested one (e.g., auto-detection). Empty when
	// the requested source was used as-is.
	DetectedSource string
}

// Provider is the abstraction over any translation backend. Deadlines are
// carried on ctx; exceeding one is treated as a transient failure by the
// caller's retry policy.
type Provider interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
