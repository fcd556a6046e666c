// Package elevenlabs provides an ElevenLabs-backed TTS provider over the
// ElevenLabs HTTP synthesis API. It implements the tts.Provider interface.
//
// The relay synthesizes one complete translated utterance per call, so the
// plain request/response endpoint is used rather than the streaming WebSocket
// API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // "Rachel", multilingual
	defaultOutputFormat = "mp3_44100_128"
	maxErrorBody        = 4 << 10
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the default voice ID used when a request carries no
// voice hint.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs synthesis API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	voiceID      string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		voiceID:      defaultVoiceID,
		outputFormat: defaultOutputFormat,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisRequest is the JSON payload for POST /v1/text-to-speech/{voice}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// errorResponse is the JSON error body returned on non-2xx statuses.
type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize implements [tts.Provider]. The voice can be overridden per call
// via req.VoiceHints["voice_id"].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Text == "" {
		return tts.Audio{}, errors.New("elevenlabs: text must not be empty")
	}

	voice := p.voiceID
	if v := req.VoiceHints["voice_id"]; v != "" {
		voice = v
	}

	body, err := json.Marshal(synthesisRequest{
		Text:         req.Text,
		ModelID:      p.model,
		LanguageCode: primarySubtag(req.Language),
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voice, p.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Detail.Message != "" {
			msg = er.Detail.Message
		}
		return tts.Audio{}, fmt.Errorf("elevenlabs: synthesize failed with status %d: %s", resp.StatusCode, msg)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("elevenlabs: empty audio payload")
	}

	return tts.Audio{Data: data, Format: containerOf(p.outputFormat)}, nil
}

// containerOf maps an ElevenLabs output_format value to the client-facing
// audio format name ("mp3_44100_128" → "mp3").
func containerOf(outputFormat string) string {
	if i := strings.IndexByte(outputFormat, '_'); i > 0 {
		return outputFormat[:i]
	}
	return outputFormat
}

// primarySubtag reduces a BCP-47 tag to its primary language subtag.
func primarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
