package pipeline

import (
	"encoding/base64"
	"time"

	"github.com/MrWong99/polyglossa/internal/protocol"
	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

// anyWantsAudio reports whether at least one subscriber asked for
// server-synthesized speech.
func anyWantsAudio(subs []registry.Subscriber) bool {
	for _, s := range subs {
		if s.TTS == registry.TTSSynthesized {
			return true
		}
	}
	return false
}

// fanout delivers the translation to every subscriber of the job's language,
// shaping the envelope per TTS preference. Delivery is best-effort; a closed
// or backpressured connection does not affect the others. Returns the number
// of subscribers whose send queue accepted the envelope.
func (o *Orchestrator) fanout(j job, text string, audio *tts.Audio, subs []registry.Subscriber, lat stageLatency) int {
	if len(subs) == 0 {
		return 0
	}

	var encoded *string
	var format string
	if audio != nil {
		s := base64.StdEncoding.EncodeToString(audio.Data)
		encoded = &s
		format = audio.Format
	}

	now := time.Now().UnixMilli()
	delivered := 0
	for _, sub := range subs {
		env := protocol.Translation{
			Type:           protocol.TypeTranslation,
			SessionID:      j.u.SessionID,
			SourceLanguage: j.u.SourceLanguage,
			TargetLanguage: j.language,
			OriginalText:   j.u.Text,
			TranslatedText: text,
			Timestamp:      now,
			Latency: protocol.Latency{
				TranslationMS: lat.translationMS,
				TTSMS:         lat.ttsMS,
				TotalMS:       lat.totalMS,
			},
		}
		switch sub.TTS {
		case registry.TTSSynthesized:
			env.Audio = encoded
			env.AudioFormat = format
			env.TTSServiceType = "server"
		case registry.TTSBrowserNative:
			env.UseClientTTS = true
			env.TTSServiceType = "client"
		case registry.TTSSilent:
			// Text only.
		}
		if o.sender.Send(sub.ConnID, env) {
			delivered++
		}
	}
	return delivered
}

// translationFailedError is the subscriber-facing notice for one failed
// (utterance, language) pair.
func translationFailedError(language string) protocol.ErrorEnvelope {
	return protocol.NewError(protocol.CodeTranslationFail,
		"translation to "+language+" failed for this utterance")
}
