// Package protocol defines the JSON wire protocol between clients and the
// relay core: inbound frames, outbound envelopes, message classes, and the
// stable error code taxonomy.
//
// Every frame is a JSON object with a mandatory "type" field. Inbound frames
// are decoded into the flat [Inbound] struct; outbound envelopes are typed
// structs that all satisfy [Envelope].
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies a frame on the wire.
type Type string

// Inbound frame types (client → server).
const (
	TypeRegister       Type = "register"
	TypeTranscription  Type = "transcription"
	TypeAudio          Type = "audio"
	TypeLanguageChange Type = "language.change"
	TypePing           Type = "ping"
	TypeStudentPTT     Type = "student.ptt"
	TypeStudentSend    Type = "student.send"
)

// Outbound frame types (server → client).
const (
	TypeConnection         Type = "connection"
	TypeRegisterAck        Type = "register"
	TypeTranslation        Type = "translation"
	TypeProcessingComplete Type = "processing_complete"
	TypeSessionExpired     Type = "session.expired"
	TypeStudentQuestion    Type = "studentQuestion"
	TypeError              Type = "error"
	TypePong               Type = "pong"
)

// Role of a registered connection.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Class partitions outbound envelopes by delivery priority. The gateway's
// bounded send queue may drop droppable envelopes under backpressure but must
// never drop control envelopes.
type Class int

const (
	// ClassControl envelopes are never dropped.
	ClassControl Class = iota

	// ClassUserVisible envelopes are dropped only when the send queue is full.
	ClassUserVisible

	// ClassInformational envelopes are the first to be dropped.
	ClassInformational
)

// ClassOf returns the delivery class for an outbound frame type. Unknown
// types are treated as informational.
func ClassOf(t Type) Class {
	switch t {
	case TypeConnection, TypeRegisterAck, TypeSessionExpired, TypeError, TypePong:
		return ClassControl
	case TypeTranslation, TypeStudentQuestion:
		return ClassUserVisible
	default:
		return ClassInformational
	}
}

// Stable error codes carried in [ErrorEnvelope.Code]. These are part of the
// wire contract and must not be renamed.
const (
	CodeAuthRequired     = "auth_required"
	CodeAuthInvalid      = "auth_invalid"
	CodeClassroomInvalid = "classroom_invalid"
	CodeClassroomExpired = "classroom_expired"
	CodeRoleForbidden    = "role_forbidden"
	CodePayloadTooLarge  = "payload_too_large"
	CodeInvalidFrame     = "invalid_frame"
	CodeUnknownType      = "unknown_type"
	CodeTranslationFail  = "translation_failed"
	CodeTTSFail          = "tts_failed"
	CodeSTTFail          = "stt_failed"
	CodeCapacity         = "capacity"
	CodeIdleTimeout      = "idle_timeout"
	CodeSessionExpired   = "session_expired"
	CodeInternal         = "internal"
)

// MaxFrameBytes is the largest inbound frame the gateway accepts.
const MaxFrameBytes = 1 << 20 // 1 MiB

// Inbound is the decoded form of any client → server frame. Fields not
// relevant to a given type are left at their zero value; the router validates
// presence per type.
type Inbound struct {
	Type Type `json:"type"`

	// register
	Role          Role   `json:"role,omitempty"`
	Token         string `json:"token,omitempty"`
	ClassroomCode string `json:"classroomCode,omitempty"`
	LanguageCode  string `json:"languageCode,omitempty"`

	// transcription
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"isFinal,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// audio
	Data         string `json:"data,omitempty"` // base64 chunk
	IsFirstChunk bool   `json:"isFirstChunk,omitempty"`
	IsFinalChunk bool   `json:"isFinalChunk,omitempty"`
	Language     string `json:"language,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Manual       bool   `json:"manual,omitempty"`
}

// DecodeInbound parses a raw frame. It returns an error when the payload is
// not a JSON object or carries no type field; unknown type values decode
// successfully and are rejected later by the router so the connection can
// stay open.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("protocol: frame has no type field")
	}
	return in, nil
}

// Envelope is implemented by every outbound frame.
type Envelope interface {
	// Kind returns the wire type of the envelope.
	Kind() Type
}

// Critical reports whether env must never be dropped by the send queue.
func Critical(env Envelope) bool {
	return ClassOf(env.Kind()) == ClassControl
}

// Encode marshals an outbound envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Kind(), err)
	}
	return data, nil
}

// ConnectionReady is sent once after a connection has been bound to a
// session. For teachers it carries the classroom code to display.
type ConnectionReady struct {
	Type          Type   `json:"type"`
	SessionID     string `json:"sessionId"`
	Role          Role   `json:"role"`
	LanguageCode  string `json:"languageCode"`
	ClassroomCode string `json:"classroomCode,omitempty"`
}

func (ConnectionReady) Kind() Type { return TypeConnection }

// NewConnectionReady builds a ConnectionReady envelope.
func NewConnectionReady(sessionID string, role Role, lang, code string) ConnectionReady {
	return ConnectionReady{
		Type:          TypeConnection,
		SessionID:     sessionID,
		Role:          role,
		LanguageCode:  lang,
		ClassroomCode: code,
	}
}

// RegisterAck confirms a successful register frame.
type RegisterAck struct {
	Type   Type            `json:"type"`
	Status string          `json:"status"`
	Data   RegisterAckData `json:"data"`
}

// RegisterAckData is the payload of a [RegisterAck].
type RegisterAckData struct {
	Role         Role   `json:"role"`
	LanguageCode string `json:"languageCode"`
}

func (RegisterAck) Kind() Type { return TypeRegisterAck }

// NewRegisterAck builds a successful RegisterAck.
func NewRegisterAck(role Role, lang string) RegisterAck {
	return RegisterAck{
		Type:   TypeRegisterAck,
		Status: "success",
		Data:   RegisterAckData{Role: role, LanguageCode: lang},
	}
}

// Latency breaks end-to-end utterance processing time into its components.
// All values are milliseconds.
type Latency struct {
	TranslationMS int64 `json:"translationMs"`
	TTSMS         int64 `json:"ttsMs"`
	TotalMS       int64 `json:"totalMs"`
}

// Translation delivers one translated utterance to one subscriber.
type Translation struct {
	Type           Type    `json:"type"`
	SessionID      string  `json:"sessionId"`
	SourceLanguage string  `json:"sourceLanguage"`
	TargetLanguage string  `json:"targetLanguage"`
	OriginalText   string  `json:"originalText"`
	TranslatedText string  `json:"translatedText"`
	Audio          *string `json:"audio"` // base64; nil when no synthesized speech
	AudioFormat    string  `json:"audioFormat,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	Latency        Latency `json:"latency"`
	TTSServiceType string  `json:"ttsServiceType,omitempty"`
	UseClientTTS   bool    `json:"useClientSpeech"`
}

func (Translation) Kind() Type { return TypeTranslation }

// ProcessingComplete tells the teacher that one utterance has finished its
// full fan-out, with per-stage latency.
type ProcessingComplete struct {
	Type            Type     `json:"type"`
	UtteranceID     string   `json:"utteranceId"`
	TargetLanguages []string `json:"targetLanguages"`
	Latency         Latency  `json:"latency"`
}

func (ProcessingComplete) Kind() Type { return TypeProcessingComplete }

// SessionExpired tells a connection its session has ended.
type SessionExpired struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

func (SessionExpired) Kind() Type { return TypeSessionExpired }

// NewSessionExpired builds a SessionExpired envelope.
func NewSessionExpired(reason string) SessionExpired {
	return SessionExpired{Type: TypeSessionExpired, Reason: reason}
}

// StudentQuestion forwards a student's two-way ask to the teacher. The text
// is forwarded verbatim; LanguageCode carries the student's language so the
// teacher UI can decide how to present it.
type StudentQuestion struct {
	Type         Type   `json:"type"`
	SessionID    string `json:"sessionId"`
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	Timestamp    int64  `json:"timestamp"`
}

func (StudentQuestion) Kind() Type { return TypeStudentQuestion }

// ErrorEnvelope carries a stable error code plus a human-readable message.
type ErrorEnvelope struct {
	Type          Type   `json:"type"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfter,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (ErrorEnvelope) Kind() Type { return TypeError }

// NewError builds an ErrorEnvelope.
func NewError(code, message string) ErrorEnvelope {
	return ErrorEnvelope{Type: TypeError, Code: code, Message: message}
}

// Pong answers a client ping.
type Pong struct {
	Type Type `json:"type"`
}

func (Pong) Kind() Type { return TypePong }

// NewPong builds a Pong envelope.
func NewPong() Pong { return Pong{Type: TypePong} }
