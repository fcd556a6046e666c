// Package router binds decoded protocol frames to relay semantics: register
// handshakes, role enforcement, transcription intake, audio → STT pumping,
// language changes, and the two-way student question path.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/polyglossa/internal/gateway"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/protocol"
	"github.com/MrWong99/polyglossa/internal/registry"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
)

// Dispatcher is the slice of the translation pipeline the router needs.
type Dispatcher interface {
	// Submit hands a finalized utterance to the pipeline.
	Submit(ctx context.Context, u pipeline.Utterance)

	// CancelLanguage cancels in-flight jobs for one (session, language).
	CancelLanguage(sessionID, language string)
}

// Router implements gateway.Handler.
type Router struct {
	reg      *registry.Registry
	hub      *gateway.Hub
	verifier Verifier
	dispatch Dispatcher
	sttProv  stt.Provider // may be nil when no STT provider is configured
	twoWay   bool

	mu    sync.Mutex
	conns map[string]*connState
}

// connState is the router's per-connection bookkeeping.
type connState struct {
	role      protocol.Role
	sessionID string
	language  string

	// interim holds the latest non-final transcription text. It is replaced
	// on every interim frame and cleared when a final lands, so a dropped
	// final can be reconstructed from the freshest interim.
	interim string

	// pump is the live STT stream for a teacher sending raw audio.
	pump *sttPump
}

// Config configures a [Router].
type Config struct {
	Registry   *registry.Registry
	Hub        *gateway.Hub
	Verifier   Verifier
	Dispatcher Dispatcher

	// STT may be nil; audio frames are then rejected with stt_failed.
	STT stt.Provider

	// TwoWay enables student.ptt and student.send.
	TwoWay bool
}

// New creates a Router.
func New(cfg Config) *Router {
	return &Router{
		reg:      cfg.Registry,
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		dispatch: cfg.Dispatcher,
		sttProv:  cfg.STT,
		twoWay:   cfg.TwoWay,
		conns:    make(map[string]*connState),
	}
}

// HandleFrame implements gateway.Handler.
func (rt *Router) HandleFrame(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	switch in.Type {
	case protocol.TypeRegister:
		rt.handleRegister(ctx, c, in)
	case protocol.TypeTranscription:
		rt.handleTranscription(ctx, c, in)
	case protocol.TypeAudio:
		rt.handleAudio(ctx, c, in)
	case protocol.TypeLanguageChange:
		rt.handleLanguageChange(c, in)
	case protocol.TypePing:
		c.Send(protocol.NewPong())
	case protocol.TypeStudentPTT, protocol.TypeStudentSend:
		rt.handleStudentQuestion(c, in)
	default:
		// Unknown types are survivable; the client may be newer than the
		// server.
		c.SendError(protocol.CodeUnknownType, fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

// HandleBinary implements gateway.Handler. Binary frames carry raw audio for
// an already-started STT stream.
func (rt *Router) HandleBinary(_ context.Context, c *gateway.Conn, data []byte) {
	st, ok := rt.state(c.ID())
	if !ok || st.role != protocol.RoleTeacher {
		c.SendError(protocol.CodeRoleForbidden, "binary audio is teacher-only")
		return
	}
	if st.pump == nil {
		c.SendError(protocol.CodeInvalidFrame, "no audio stream open; send an audio frame with isFirstChunk first")
		return
	}
	if err := st.pump.sendAudio(data); err != nil {
		c.SendError(protocol.CodeSTTFail, "speech recognition stream failed")
	}
}

// Disconnected implements gateway.Handler.
func (rt *Router) Disconnected(connID string) {
	rt.mu.Lock()
	st, ok := rt.conns[connID]
	delete(rt.conns, connID)
	rt.mu.Unlock()

	if ok && st.pump != nil {
		st.pump.stop()
	}

	// A teacher dropping mid-sentence usually loses the final frame. The
	// freshest interim is the best reconstruction, so submit it before the
	// session starts draining. Delivery of processing_complete to the dead
	// connection fails silently, which is fine.
	if ok && st.role == protocol.RoleTeacher && st.interim != "" {
		ts := time.Now().UnixMilli()
		rt.dispatch.Submit(context.Background(), pipeline.Utterance{
			SessionID:      st.sessionID,
			UtteranceID:    UtteranceID(st.sessionID, ts, st.interim),
			Text:           st.interim,
			SourceLanguage: st.language,
			TeacherConnID:  connID,
			Timestamp:      ts,
		})
	}

	sessionID, orphaned := rt.reg.Disconnect(connID)
	if orphaned != "" {
		rt.dispatch.CancelLanguage(sessionID, orphaned)
	}
}

// --- register ---

func (rt *Router) handleRegister(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	if _, ok := rt.state(c.ID()); ok {
		c.SendError(protocol.CodeInvalidFrame, "connection is already registered")
		return
	}
	if !in.Role.IsValid() {
		c.SendError(protocol.CodeInvalidFrame, "register requires role teacher or student")
		return
	}

	switch in.Role {
	case protocol.RoleTeacher:
		rt.registerTeacher(ctx, c, in)
	case protocol.RoleStudent:
		rt.registerStudent(ctx, c, in)
	}
}

func (rt *Router) registerTeacher(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	identity, err := rt.verifier.VerifyTeacher(in.Token)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenMissing):
			c.SendError(protocol.CodeAuthRequired, "teacher registration requires a token")
		default:
			c.SendError(protocol.CodeAuthInvalid, "teacher token rejected")
		}
		c.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	snap, resumed, err := rt.reg.ConnectTeacher(ctx, identity, in.LanguageCode, c.ID())
	if err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			c.SendError(protocol.CodeCapacity, "session capacity reached, retry later")
			c.Close(websocket.StatusTryAgainLater, "capacity")
			return
		}
		c.SendError(protocol.CodeInternal, "could not create session")
		c.Close(websocket.StatusInternalError, "session create failed")
		return
	}

	rt.setState(c.ID(), &connState{
		role:      protocol.RoleTeacher,
		sessionID: snap.SessionID,
		language:  snap.TeacherLanguage,
	})

	c.Send(protocol.NewConnectionReady(snap.SessionID, protocol.RoleTeacher, snap.TeacherLanguage, snap.ClassroomCode))
	c.Send(protocol.NewRegisterAck(protocol.RoleTeacher, snap.TeacherLanguage))
	slog.Info("teacher registered",
		"conn_id", c.ID(), "session_id", snap.SessionID, "resumed", resumed)
}

func (rt *Router) registerStudent(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	if in.ClassroomCode == "" {
		c.SendError(protocol.CodeClassroomInvalid, "student registration requires a classroom code")
		return
	}
	lang := in.LanguageCode
	if lang == "" {
		lang = "en"
	}

	snap, err := rt.reg.JoinStudent(ctx, in.ClassroomCode, c.ID(), lang, registry.TTSSynthesized)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrClassroomExpired):
			c.SendError(protocol.CodeClassroomExpired, "classroom code has expired")
		default:
			c.SendError(protocol.CodeClassroomInvalid, "classroom code not recognised")
		}
		// The student can retype the code on the same connection.
		return
	}

	rt.setState(c.ID(), &connState{
		role:      protocol.RoleStudent,
		sessionID: snap.SessionID,
		language:  lang,
	})

	c.Send(protocol.NewConnectionReady(snap.SessionID, protocol.RoleStudent, lang, ""))
	c.Send(protocol.NewRegisterAck(protocol.RoleStudent, lang))
}

// --- transcription ---

func (rt *Router) handleTranscription(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	st, ok := rt.state(c.ID())
	if !ok || st.role != protocol.RoleTeacher {
		c.SendError(protocol.CodeRoleForbidden, "transcription frames are teacher-only")
		return
	}
	if in.Text == "" {
		// Empty interim frames are heartbeat noise from some browsers.
		return
	}

	rt.reg.Touch(st.sessionID)

	if !in.IsFinal {
		rt.mu.Lock()
		st.interim = in.Text
		rt.mu.Unlock()
		return
	}

	rt.mu.Lock()
	st.interim = ""
	rt.mu.Unlock()

	rt.dispatch.Submit(ctx, pipeline.Utterance{
		SessionID:      st.sessionID,
		UtteranceID:    UtteranceID(st.sessionID, in.Timestamp, in.Text),
		Text:           in.Text,
		SourceLanguage: st.language,
		TeacherConnID:  c.ID(),
		Timestamp:      in.Timestamp,
		Manual:         in.Manual,
	})
}

// UtteranceID derives a stable identifier from the utterance content, so a
// client retrying the same final frame maps to the same in-flight job and
// gets deduplicated instead of double-translated.
func UtteranceID(sessionID string, timestamp int64, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", sessionID, timestamp, text)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// --- audio / STT ---

func (rt *Router) handleAudio(ctx context.Context, c *gateway.Conn, in protocol.Inbound) {
	st, ok := rt.state(c.ID())
	if !ok || st.role != protocol.RoleTeacher {
		c.SendError(protocol.CodeRoleForbidden, "audio frames are teacher-only")
		return
	}
	if rt.sttProv == nil {
		c.SendError(protocol.CodeSTTFail, "no speech recognition provider is configured")
		return
	}

	rt.mu.Lock()
	pump := st.pump
	rt.mu.Unlock()

	if in.IsFirstChunk || pump == nil {
		if pump != nil {
			pump.stop()
		}
		var err error
		pump, err = startSTTPump(ctx, rt.sttProv, st.sessionID, st.language, c.ID(), rt.dispatch, rt.reg)
		if err != nil {
			slog.Warn("stt stream start failed", "conn_id", c.ID(), "err", err)
			c.SendError(protocol.CodeSTTFail, "could not start speech recognition stream")
			return
		}
		rt.mu.Lock()
		st.pump = pump
		rt.mu.Unlock()
	}

	if in.Data != "" {
		chunk, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			c.SendError(protocol.CodeInvalidFrame, "audio data is not valid base64")
			return
		}
		if err := pump.sendAudio(chunk); err != nil {
			c.SendError(protocol.CodeSTTFail, "speech recognition stream failed")
			return
		}
	}

	rt.reg.Touch(st.sessionID)

	if in.IsFinalChunk {
		pump.finish()
		rt.mu.Lock()
		st.pump = nil
		rt.mu.Unlock()
	}
}

// --- language change ---

func (rt *Router) handleLanguageChange(c *gateway.Conn, in protocol.Inbound) {
	st, ok := rt.state(c.ID())
	if !ok {
		c.SendError(protocol.CodeInvalidFrame, "register before changing language")
		return
	}
	lang := in.LanguageCode
	if lang == "" {
		c.SendError(protocol.CodeInvalidFrame, "language.change requires languageCode")
		return
	}

	orphaned, err := rt.reg.ChangeLanguage(c.ID(), lang)
	if err != nil {
		c.SendError(protocol.CodeSessionExpired, "session is gone")
		return
	}
	rt.mu.Lock()
	st.language = lang
	rt.mu.Unlock()

	if orphaned != "" {
		rt.dispatch.CancelLanguage(st.sessionID, orphaned)
	}
	c.Send(protocol.NewRegisterAck(st.role, lang))
}

// --- two-way student questions ---

func (rt *Router) handleStudentQuestion(c *gateway.Conn, in protocol.Inbound) {
	if !rt.twoWay {
		c.SendError(protocol.CodeRoleForbidden, "two-way questions are disabled")
		return
	}
	st, ok := rt.state(c.ID())
	if !ok || st.role != protocol.RoleStudent {
		c.SendError(protocol.CodeRoleForbidden, "student question frames are student-only")
		return
	}
	if in.Text == "" {
		c.SendError(protocol.CodeInvalidFrame, "question text is required")
		return
	}

	snap, ok := rt.reg.Get(st.sessionID)
	if !ok || !snap.TeacherConnected {
		c.SendError(protocol.CodeSessionExpired, "teacher is not connected")
		return
	}

	// Forwarded verbatim; translating questions is the teacher UI's call.
	rt.hub.Send(snap.TeacherConnID, protocol.StudentQuestion{
		Type:         protocol.TypeStudentQuestion,
		SessionID:    st.sessionID,
		Text:         in.Text,
		LanguageCode: st.language,
		Timestamp:    in.Timestamp,
	})
	rt.reg.Touch(st.sessionID)
}

// --- state table ---

func (rt *Router) state(connID string) (*connState, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st, ok := rt.conns[connID]
	return st, ok
}

func (rt *Router) setState(connID string, st *connState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.conns[connID] = st
}
