// Package registry owns the in-memory session table and the session
// lifecycle: creation, teacher reconnection, student membership, activity
// stamping, expiry timers, and the periodic cleanup sweep.
//
// Memory is authoritative. The audit repository is written best-effort on
// lifecycle edges and never blocks live traffic.
//
// Lock discipline: the allocator's internal lock is always taken before the
// registry lock (Allocate/Release happen outside or at the start of registry
// critical sections), and no provider or storage call is made while the
// registry lock is held except best-effort upserts explicitly done after
// unlocking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/polyglossa/internal/code"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/pkg/repository"
)

// Session expiry reasons, surfaced on session.expired envelopes and sweep
// logs.
const (
	ReasonStale        = "stale"
	ReasonEmptyTeacher = "empty_teacher"
	ReasonStudentsLeft = "students_left"
	ReasonAdmin        = "admin"
)

var (
	// ErrCapacity is returned when the session ceiling is reached.
	ErrCapacity = errors.New("registry: session capacity reached")

	// ErrNotFound is returned for lookups of unknown sessions.
	ErrNotFound = errors.New("registry: session not found")

	// ErrClassroomInvalid is returned when a classroom code does not resolve.
	ErrClassroomInvalid = errors.New("registry: classroom code invalid")

	// ErrClassroomExpired is returned when a classroom code has expired or
	// its session is no longer joinable.
	ErrClassroomExpired = errors.New("registry: classroom code expired")
)

// Config holds the lifecycle timer settings.
type Config struct {
	// CodeTTL is the classroom code lifetime.
	CodeTTL time.Duration

	// StaleTimeout expires a session with no activity for this long.
	StaleTimeout time.Duration

	// EmptyTeacherTimeout expires a session no student ever joined.
	EmptyTeacherTimeout time.Duration

	// StudentsLeftTimeout expires a session after the last student left.
	StudentsLeftTimeout time.Duration

	// ReconnectGrace is the teacher reconnect window while students are
	// present.
	ReconnectGrace time.Duration

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int
}

// ExpireHook is invoked (outside the registry lock) for every session that
// transitions to Expired, before its classroom code is released.
type ExpireHook func(snap Snapshot, reason string)

// Subscriber identifies one fan-out target.
type Subscriber struct {
	ConnID string
	TTS    TTSPreference
}

// Registry is the process-wide session table. All methods are safe for
// concurrent use.
type Registry struct {
	cfg     Config
	codes   *code.Allocator
	repo    repository.Store
	now     func() time.Time
	metrics *observe.Metrics

	mu        sync.RWMutex
	sessions  map[string]*Session // sessionID → session
	byTeacher map[string]string   // teacherIdentity → sessionID
	byConn    map[string]string   // connID (teacher or student) → sessionID

	onExpire ExpireHook
}

// Option configures a [Registry].
type Option func(*Registry)

// WithClock overrides the registry time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics attaches instrumentation. The registry owns the session and
// student gauges since every lifecycle edge passes through it.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry backed by the given code allocator and audit
// repository. repo may be nil in tests; all repository writes are
// best-effort.
func New(cfg Config, codes *code.Allocator, repo repository.Store, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		codes:     codes,
		repo:      repo,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		byTeacher: make(map[string]string),
		byConn:    make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetExpireHook installs the expiry notification hook. Must be called before
// the sweeper starts.
func (r *Registry) SetExpireHook(h ExpireHook) { r.onExpire = h }

// ConnectTeacher binds an authenticated teacher connection to a session.
//
// If the teacher already owns a session in state Active or Draining whose
// classroom code has not expired, the connection is rebound to it and the
// original code is kept: same code iff same logical session. Otherwise a new
// session with a fresh code is created.
//
// The returned bool is true when an existing session was resumed.
func (r *Registry) ConnectTeacher(ctx context.Context, identity, language, connID string) (Snapshot, bool, error) {
	now := r.now()

	r.mu.Lock()

	// Resume path.
	if sid, ok := r.byTeacher[identity]; ok {
		if s, live := r.sessions[sid]; live && s.state != StateExpired {
			if _, err := r.codes.Resolve(s.ClassroomCode); err == nil {
				if s.teacherConnID != "" {
					delete(r.byConn, s.teacherConnID)
				}
				s.teacherConnID = connID
				s.teacherConnectedAt = now
				s.teacherGoneAt = time.Time{}
				s.state = StateActive
				if language != "" {
					s.TeacherLanguage = language
				}
				s.touch(now)
				r.byConn[connID] = sid
				snap := s.snapshot()
				r.mu.Unlock()

				slog.Info("session resumed",
					"session_id", sid,
					"classroom_code", snap.ClassroomCode,
					"teacher", identity,
				)
				return snap, true, nil
			}
			// Code lapsed: the session is unreachable for students and a
			// fresh one is created below. The stale one expires via its
			// regular timers.
		}
	}

	if r.cfg.MaxSessions > 0 && r.liveCountLocked() >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return Snapshot{}, false, ErrCapacity
	}
	r.mu.Unlock()

	// Allocate outside the registry lock (allocator before registry in the
	// lock order; neither is held across the other here).
	sid := uuid.NewString()
	classCode, err := r.codes.Allocate(sid)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("registry: allocate classroom code: %w", err)
	}

	s := &Session{
		ID:                 sid,
		TeacherIdentity:    identity,
		ClassroomCode:      classCode,
		TeacherLanguage:    language,
		state:              StateActive,
		students:           make(map[string]*Student),
		createdAt:          now,
		lastActivityAt:     now,
		teacherConnID:      connID,
		teacherConnectedAt: now,
	}

	r.mu.Lock()
	r.sessions[sid] = s
	r.byTeacher[identity] = sid
	r.byConn[connID] = sid
	snap := s.snapshot()
	r.mu.Unlock()

	slog.Info("session created",
		"session_id", sid,
		"classroom_code", classCode,
		"teacher", identity,
		"language", language,
	)
	r.metrics.SessionStarted(ctx)

	// Best-effort audit row; the sweeper reconciles on failure.
	if r.repo != nil {
		if err := r.repo.UpsertSession(ctx, repository.SessionRecord{
			SessionID:       sid,
			TeacherIdentity: identity,
			ClassroomCode:   classCode,
			TeacherLanguage: language,
			Status:          repository.SessionActive,
			StartTime:       now,
		}); err != nil {
			slog.Warn("session upsert failed", "session_id", sid, "err", err)
		}
	}

	return snap, false, nil
}

// JoinStudent subscribes a student connection to the session behind a
// classroom code. Codes are matched case-insensitively.
func (r *Registry) JoinStudent(ctx context.Context, classroomCode, connID, language string, pref TTSPreference) (Snapshot, error) {
	sid, err := r.codes.Resolve(classroomCode)
	if err != nil {
		switch {
		case errors.Is(err, code.ErrExpired):
			return Snapshot{}, ErrClassroomExpired
		default:
			return Snapshot{}, ErrClassroomInvalid
		}
	}
	if !pref.IsValid() {
		pref = TTSSynthesized
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sid]
	if !ok || s.state == StateExpired {
		return Snapshot{}, ErrClassroomExpired
	}

	s.students[connID] = &Student{
		ConnID:   connID,
		Language: language,
		JoinedAt: now,
		TTS:      pref,
	}
	s.everJoined = true
	s.lastStudentLeftAt = time.Time{}
	if n := len(s.students); n > s.peakStudents {
		s.peakStudents = n
	}
	s.touch(now)
	r.byConn[connID] = sid

	slog.Info("student joined",
		"session_id", sid,
		"conn_id", connID,
		"language", language,
		"students", len(s.students),
	)
	r.metrics.StudentJoined(ctx)
	return s.snapshot(), nil
}

// Disconnect removes a connection from its session, updating lifecycle
// state. For a departing student it returns the language that lost its last
// subscriber (empty when other subscribers of that language remain), so the
// caller can cancel in-flight translation jobs for it.
func (r *Registry) Disconnect(connID string) (sessionID, orphanedLanguage string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.byConn[connID]
	if !ok {
		return "", ""
	}
	delete(r.byConn, connID)

	s, ok := r.sessions[sid]
	if !ok {
		return "", ""
	}

	if s.teacherConnID == connID {
		s.teacherConnID = ""
		if s.state == StateActive && len(s.students) > 0 {
			s.state = StateDraining
			s.teacherGoneAt = now
			slog.Info("teacher disconnected, session draining",
				"session_id", sid, "grace", r.cfg.ReconnectGrace)
		} else {
			slog.Info("teacher disconnected", "session_id", sid)
		}
		return sid, ""
	}

	st, ok := s.students[connID]
	if !ok {
		return sid, ""
	}
	delete(s.students, connID)
	r.metrics.StudentsLeft(context.Background(), 1)
	if len(s.students) == 0 {
		s.lastStudentLeftAt = now
	}

	remaining := 0
	for _, other := range s.students {
		if other.Language == st.Language {
			remaining++
		}
	}
	slog.Info("student left",
		"session_id", sid, "conn_id", connID, "students", len(s.students))
	if remaining == 0 {
		return sid, st.Language
	}
	return sid, ""
}

// Touch stamps session activity (teacher transcription, successful
// delivery).
func (r *Registry) Touch(sessionID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.state != StateExpired {
		s.touch(now)
	}
}

// ChangeLanguage updates the language bound to a connection. For the teacher
// connection it changes the session source language; for a student it
// changes the subscription target language and returns the previous language
// if that language lost its last subscriber.
func (r *Registry) ChangeLanguage(connID, language string) (orphanedLanguage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.byConn[connID]
	if !ok {
		return "", ErrNotFound
	}
	s, ok := r.sessions[sid]
	if !ok || s.state == StateExpired {
		return "", ErrNotFound
	}

	if s.teacherConnID == connID {
		s.TeacherLanguage = language
		return "", nil
	}

	st, ok := s.students[connID]
	if !ok {
		return "", ErrNotFound
	}
	prev := st.Language
	st.Language = language
	if prev == language {
		return "", nil
	}
	for _, other := range s.students {
		if other.Language == prev {
			return "", nil
		}
	}
	return prev, nil
}

// RecordTranslations adds n successful fan-out deliveries to the session's
// counter and stamps activity.
func (r *Registry) RecordTranslations(sessionID string, n int) {
	if n <= 0 {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.state != StateExpired {
		s.totalTranslations += int64(n)
		s.touch(now)
	}
}

// TargetLanguages returns the distinct student target languages currently
// subscribed, sorted for deterministic iteration.
func (r *Registry) TargetLanguages(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(s.students))
	for _, st := range s.students {
		seen[st.Language] = struct{}{}
	}
	langs := make([]string, 0, len(seen))
	for l := range seen {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Subscribers returns the student connections subscribed to language in the
// session.
func (r *Registry) Subscribers(sessionID, language string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	var subs []Subscriber
	for _, st := range s.students {
		if st.Language == language {
			subs = append(subs, Subscriber{ConnID: st.ConnID, TTS: st.TTS})
		}
	}
	return subs
}

// Get returns a snapshot of the session, if present.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// SessionForConn maps a connection to its session snapshot.
func (r *Registry) SessionForConn(connID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byConn[connID]
	if !ok {
		return Snapshot{}, false
	}
	s, ok := r.sessions[sid]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// ActiveSnapshots returns snapshots of every non-expired session, sorted by
// creation time.
func (r *Registry) ActiveSnapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.state != StateExpired {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of non-expired sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveCountLocked()
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.state != StateExpired {
			n++
		}
	}
	return n
}

// ExpireAll force-expires every live session with the given reason. Used
// during graceful shutdown.
func (r *Registry) ExpireAll(reason string) []Snapshot {
	r.mu.Lock()
	var expired []Snapshot
	for _, s := range r.sessions {
		if s.state == StateExpired {
			continue
		}
		expired = append(expired, r.expireLocked(s, reason))
	}
	r.mu.Unlock()

	r.notifyExpired(expired, reason)
	return expired
}

// ExpireSession force-expires one session. Used by the admin surface.
func (r *Registry) ExpireSession(sessionID, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state == StateExpired {
		r.mu.Unlock()
		return ErrNotFound
	}
	snap := r.expireLocked(s, reason)
	r.mu.Unlock()

	r.notifyExpired([]Snapshot{snap}, reason)
	return nil
}

// expireLocked transitions s to Expired and detaches its indexes. Caller
// holds r.mu. The classroom code is released (one-tick quarantine) so
// invariant "no removed session leaves a dangling code" holds.
func (r *Registry) expireLocked(s *Session, reason string) Snapshot {
	s.state = StateExpired
	s.expiredAt = r.now()
	s.expireReason = reason

	// Snapshot before detaching the connection indexes: the expire hook
	// needs the teacher and student conn IDs to deliver session.expired.
	snap := s.snapshot()

	if r.byTeacher[s.TeacherIdentity] == s.ID {
		delete(r.byTeacher, s.TeacherIdentity)
	}
	if s.teacherConnID != "" {
		delete(r.byConn, s.teacherConnID)
		s.teacherConnID = ""
	}
	for connID := range s.students {
		delete(r.byConn, connID)
	}
	r.metrics.SessionExpired(context.Background(), reason)
	r.metrics.StudentsLeft(context.Background(), len(s.students))

	r.codes.Release(s.ClassroomCode)

	slog.Info("session expired",
		"session_id", s.ID,
		"classroom_code", s.ClassroomCode,
		"reason", reason,
		"translations", s.totalTranslations,
	)
	return snap
}

// notifyExpired runs the expire hook outside the registry lock.
func (r *Registry) notifyExpired(snaps []Snapshot, reason string) {
	if r.onExpire == nil {
		return
	}
	for _, snap := range snaps {
		r.onExpire(snap, reason)
	}
}

// advance applies timer-driven transitions at instant now and returns the
// sessions that expired this pass plus snapshots of every expired session
// whose terminal record still needs flushing. Called by the sweeper.
func (r *Registry) advance(now time.Time) (expired []Snapshot, pendingEnd []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.state == StateExpired {
			if !s.endPersisted {
				pendingEnd = append(pendingEnd, s.snapshot())
			}
			continue
		}

		// Draining grace lapse returns the session to Active; the regular
		// timers keep governing it.
		if s.state == StateDraining && now.Sub(s.teacherGoneAt) >= r.cfg.ReconnectGrace {
			s.state = StateActive
			s.teacherGoneAt = time.Time{}
			slog.Info("teacher reconnect grace lapsed", "session_id", s.ID)
		}

		if reason, due := s.dueReason(now, r.cfg); due {
			snap := r.expireLocked(s, reason)
			expired = append(expired, snap)
			pendingEnd = append(pendingEnd, snap)
		}
	}
	return expired, pendingEnd
}

// markEnded records that the terminal row reached storage, allowing removal.
func (r *Registry) markEnded(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.endPersisted = true
	}
}

// removePersisted drops expired sessions whose terminal record is flushed.
func (r *Registry) removePersisted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if s.state == StateExpired && s.endPersisted {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
