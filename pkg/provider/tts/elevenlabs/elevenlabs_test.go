package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

// fakeServer runs an ElevenLabs stand-in that records the last request.
type recorded struct {
	path    string
	apiKey  string
	payload synthesisRequest
}

func fakeServer(t *testing.T, status int, audio []byte) (*httptest.Server, *recorded) {
	t.Helper()
	var rec recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.path = r.URL.Path + "?" + r.URL.RawQuery
		rec.apiKey = r.Header.Get("xi-api-key")
		if err := json.NewDecoder(r.Body).Decode(&rec.payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(status)
		w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv, &rec
}

func TestSynthesize_Success(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, []byte("mp3-bytes"))
	p, err := New("key", WithBaseURL(srv.URL), WithVoice("voice-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), tts.Request{
		Text:     "hola clase",
		Language: "es-MX",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "mp3-bytes" {
		t.Errorf("audio data = %q", audio.Data)
	}
	if audio.Format != "mp3" {
		t.Errorf("format = %q, want mp3", audio.Format)
	}

	if !strings.Contains(rec.path, "/v1/text-to-speech/voice-1") {
		t.Errorf("path = %q, want voice-1 endpoint", rec.path)
	}
	if !strings.Contains(rec.path, "output_format=mp3_44100_128") {
		t.Errorf("path = %q, missing output format", rec.path)
	}
	if rec.apiKey != "key" {
		t.Errorf("xi-api-key = %q, want key", rec.apiKey)
	}
	if rec.payload.Text != "hola clase" {
		t.Errorf("payload text = %q", rec.payload.Text)
	}
	if rec.payload.LanguageCode != "es" {
		t.Errorf("language_code = %q, want es", rec.payload.LanguageCode)
	}
}

func TestSynthesize_VoiceHintOverridesDefault(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, []byte("x"))
	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Synthesize(context.Background(), tts.Request{
		Text:       "bonjour",
		Language:   "fr",
		VoiceHints: map[string]string{"voice_id": "custom-voice"},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.Contains(rec.path, "/v1/text-to-speech/custom-voice") {
		t.Errorf("path = %q, want custom-voice endpoint", rec.path)
	}
}

func TestSynthesize_ErrorStatusSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"key rejected"}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New("bad-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"})
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !strings.Contains(err.Error(), "key rejected") {
		t.Errorf("error = %v, want detail message included", err)
	}
}

func TestSynthesize_EmptyTextRejectedLocally(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Language: "en"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestContainerOf(t *testing.T) {
	cases := map[string]string{
		"mp3_44100_128": "mp3",
		"pcm_16000":     "pcm",
		"wav":           "wav",
	}
	for in, want := range cases {
		if got := containerOf(in); got != want {
			t.Errorf("containerOf(%q) = %q, want %q", in, got, want)
		}
	}
}
