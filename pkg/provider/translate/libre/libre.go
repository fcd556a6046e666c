// Package libre provides a LibreTranslate-backed translation provider over
// the plain HTTP JSON API. It implements the translate.Provider interface.
//
// LibreTranslate speaks bare ISO-639-1 codes ("es", not "es-MX"), so BCP-47
// tags from the relay are reduced to their primary subtag before the call.
package libre

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// Compile-time interface check.
var _ translate.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://libretranslate.com"
	maxErrorBody   = 4 << 10
)

// Option is a functional option for configuring the LibreTranslate Provider.
type Option func(*Provider)

// WithBaseURL points the provider at a self-hosted LibreTranslate instance.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements translate.Provider backed by a LibreTranslate server.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new LibreTranslate Provider. apiKey may be empty for
// self-hosted instances that do not require one.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// translateRequest is the JSON payload for POST /translate.
type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

// translateResponse is the JSON response from POST /translate.
type translateResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage *struct {
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	} `json:"detectedLanguage"`
	Error string `json:"error"`
}

// Translate implements [translate.Provider].
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	if req.Text == "" {
		return translate.Result{}, errors.New("libre: text must not be empty")
	}
	if req.TargetLanguage == "" {
		return translate.Result{}, errors.New("libre: target language must not be empty")
	}

	source := primarySubtag(req.SourceLanguage)
	if source == "" {
		source = "auto"
	}

	body, err := json.Marshal(translateRequest{
		Q:      req.Text,
		Source: source,
		Target: primarySubtag(req.TargetLanguage),
		Format: "text",
		APIKey: p.apiKey,
	})
	if err != nil {
		return translate.Result{}, fmt.Errorf("libre: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return translate.Result{}, fmt.Errorf("libre: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return translate.Result{}, fmt.Errorf("libre: translate HTTP: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return translate.Result{}, fmt.Errorf("libre: read response: %w", err)
	}

	var tr translateResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return translate.Result{}, fmt.Errorf("libre: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := tr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return translate.Result{}, fmt.Errorf("libre: translate failed with status %d: %s", resp.StatusCode, msg)
	}

	res := translate.Result{Text: tr.TranslatedText}
	if source == "auto" && tr.DetectedLanguage != nil {
		res.DetectedSource = tr.DetectedLanguage.Language
	}
	return res, nil
}

// primarySubtag reduces a BCP-47 tag to its primary language subtag
// ("es-MX" → "es").
func primarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
