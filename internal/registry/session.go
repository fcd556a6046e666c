package registry

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive is the normal operating state.
	StateActive State = "active"

	// StateDraining means the teacher connection dropped while students were
	// present. If the teacher reconnects within the grace window the session
	// returns to Active; otherwise it returns to Active anyway once the
	// window lapses and the regular timers keep governing it.
	StateDraining State = "draining"

	// StateExpired is terminal. The session awaits terminal persistence and
	// removal by the sweeper.
	StateExpired State = "expired"
)

// TTSPreference selects how a student wants synthesized speech delivered.
type TTSPreference string

const (
	TTSSynthesized   TTSPreference = "synthesized"
	TTSSilent        TTSPreference = "silent"
	TTSBrowserNative TTSPreference = "browser"
)

// IsValid reports whether p is a recognised preference.
func (p TTSPreference) IsValid() bool {
	switch p {
	case TTSSynthesized, TTSSilent, TTSBrowserNative:
		return true
	}
	return false
}

// Student is one subscribed student connection.
type Student struct {
	ConnID   string
	Language string
	JoinedAt time.Time
	TTS      TTSPreference
}

// Session is one live classroom. Fields are mutated only while holding the
// owning registry's lock; external readers receive copies via [Snapshot].
type Session struct {
	ID              string
	TeacherIdentity string
	ClassroomCode   string
	TeacherLanguage string

	state    State
	students map[string]*Student // connID → student

	createdAt          time.Time
	lastActivityAt     time.Time
	teacherConnID      string // empty while the teacher is disconnected
	teacherConnectedAt time.Time
	teacherGoneAt      time.Time // entered Draining at this instant
	lastStudentLeftAt  time.Time // zero while students are present or none ever joined
	everJoined         bool

	totalTranslations int64
	peakStudents      int

	// endPersisted is set once the terminal record reached storage; until
	// then the sweeper keeps retrying EndSession on each tick.
	expiredAt    time.Time
	expireReason string
	endPersisted bool
}

// StudentInfo is the exported view of one subscription.
type StudentInfo struct {
	ConnID   string        `json:"connectionId"`
	Language string        `json:"targetLanguage"`
	JoinedAt time.Time     `json:"joinedAt"`
	TTS      TTSPreference `json:"ttsPreference"`
}

// Snapshot is a point-in-time copy of a session, safe to use without locks.
type Snapshot struct {
	SessionID         string        `json:"sessionId"`
	TeacherIdentity   string        `json:"teacherIdentity"`
	ClassroomCode     string        `json:"classroomCode"`
	TeacherLanguage   string        `json:"teacherLanguage"`
	State             State         `json:"state"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	TeacherConnected  bool          `json:"teacherConnected"`
	TeacherConnID     string        `json:"-"`
	Students          []StudentInfo `json:"students"`
	LastStudentLeftAt *time.Time    `json:"lastStudentLeftAt,omitempty"`
	TotalTranslations int64         `json:"totalTranslations"`
	PeakStudents      int           `json:"peakConcurrentStudents"`
	ExpiredAt         time.Time     `json:"-"`
	ExpireReason      string        `json:"-"`
}

// snapshot copies the session. Caller holds the registry lock.
func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:         s.ID,
		TeacherIdentity:   s.TeacherIdentity,
		ClassroomCode:     s.ClassroomCode,
		TeacherLanguage:   s.TeacherLanguage,
		State:             s.state,
		CreatedAt:         s.createdAt,
		LastActivityAt:    s.lastActivityAt,
		TeacherConnected:  s.teacherConnID != "",
		TeacherConnID:     s.teacherConnID,
		TotalTranslations: s.totalTranslations,
		PeakStudents:      s.peakStudents,
		ExpiredAt:         s.expiredAt,
		ExpireReason:      s.expireReason,
	}
	if !s.lastStudentLeftAt.IsZero() {
		t := s.lastStudentLeftAt
		snap.LastStudentLeftAt = &t
	}
	snap.Students = make([]StudentInfo, 0, len(s.students))
	for _, st := range s.students {
		snap.Students = append(snap.Students, StudentInfo{
			ConnID:   st.ConnID,
			Language: st.Language,
			JoinedAt: st.JoinedAt,
			TTS:      st.TTS,
		})
	}
	return snap
}

// touch stamps activity. Caller holds the registry lock.
func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

// dueReason reports whether any expiry timer has fired, and which. Caller
// holds the registry lock.
func (s *Session) dueReason(now time.Time, cfg Config) (string, bool) {
	if now.Sub(s.lastActivityAt) >= cfg.StaleTimeout {
		return ReasonStale, true
	}
	if !s.everJoined && now.Sub(s.createdAt) >= cfg.EmptyTeacherTimeout {
		return ReasonEmptyTeacher, true
	}
	if s.everJoined && len(s.students) == 0 && !s.lastStudentLeftAt.IsZero() &&
		now.Sub(s.lastStudentLeftAt) >= cfg.StudentsLeftTimeout {
		return ReasonStudentsLeft, true
	}
	return "", false
}
