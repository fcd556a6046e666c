package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/internal/code"
	"github.com/MrWong99/polyglossa/internal/registry"
	repomock "github.com/MrWong99/polyglossa/pkg/repository/mock"
)

// clock is a controllable time source shared between the allocator and the
// registry.
type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func newClock() *clock { return &clock{cur: time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func testConfig() registry.Config {
	return registry.Config{
		CodeTTL:             2 * time.Hour,
		StaleTimeout:        90 * time.Minute,
		EmptyTeacherTimeout: 10 * time.Minute,
		StudentsLeftTimeout: 10 * time.Minute,
		ReconnectGrace:      30 * time.Second,
	}
}

func newRegistry(t *testing.T, cfg registry.Config) (*registry.Registry, *code.Allocator, *repomock.Store, *clock) {
	t.Helper()
	clk := newClock()
	codes := code.NewAllocator(cfg.CodeTTL, code.WithClock(clk.now))
	repo := &repomock.Store{}
	reg := registry.New(cfg, codes, repo, registry.WithClock(clk.now))
	return reg, codes, repo, clk
}

func TestConnectTeacher_CreatesSessionWithCode(t *testing.T) {
	reg, codes, repo, _ := newRegistry(t, testConfig())

	snap, resumed, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resumed {
		t.Error("first connect reported resumed")
	}
	if !code.Valid(snap.ClassroomCode) {
		t.Errorf("classroom code %q is not well-formed", snap.ClassroomCode)
	}
	if sid, err := codes.Resolve(snap.ClassroomCode); err != nil || sid != snap.SessionID {
		t.Errorf("code resolves to (%q, %v), want session %q", sid, err, snap.SessionID)
	}
	if snap.State != registry.StateActive {
		t.Errorf("state = %q, want active", snap.State)
	}
	if repo.CallCount("UpsertSession") != 1 {
		t.Errorf("UpsertSession calls = %d, want 1", repo.CallCount("UpsertSession"))
	}
}

func TestConnectTeacher_ResumeKeepsCode(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())

	first, _, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The same teacher reconnects on a fresh connection.
	second, resumed, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "", "conn-2")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !resumed {
		t.Error("reconnect did not resume")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session = %q, want %q", second.SessionID, first.SessionID)
	}
	if second.ClassroomCode != first.ClassroomCode {
		t.Errorf("code = %q, want %q (same code iff same session)", second.ClassroomCode, first.ClassroomCode)
	}
	// The old connection is no longer bound.
	if _, ok := reg.SessionForConn("conn-1"); ok {
		t.Error("stale teacher connection still mapped")
	}
}

func TestConnectTeacher_LapsedCodeMintsFreshSession(t *testing.T) {
	reg, _, _, clk := newRegistry(t, testConfig())

	first, _, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	clk.advance(2*time.Hour + time.Minute)

	second, resumed, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-2")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if resumed {
		t.Error("reconnect over a lapsed code must not resume")
	}
	if second.SessionID == first.SessionID {
		t.Error("expected a fresh session after the code lapsed")
	}
	if second.ClassroomCode == first.ClassroomCode {
		t.Error("expected a fresh classroom code after the old one lapsed")
	}
}

func TestConnectTeacher_Capacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	reg, _, _, _ := newRegistry(t, cfg)

	if _, _, err := reg.ConnectTeacher(context.Background(), "t1", "en", "c1"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, _, err := reg.ConnectTeacher(context.Background(), "t2", "en", "c2"); !errors.Is(err, registry.ErrCapacity) {
		t.Errorf("err = %v, want ErrCapacity", err)
	}
}

func TestJoinStudent_CodeErrors(t *testing.T) {
	reg, _, _, clk := newRegistry(t, testConfig())
	snap, _, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := reg.JoinStudent(context.Background(), "ZZZZZZ", "s1", "es", registry.TTSSilent); !errors.Is(err, registry.ErrClassroomInvalid) {
		t.Errorf("unknown code err = %v, want ErrClassroomInvalid", err)
	}

	clk.advance(2*time.Hour + time.Minute)
	if _, err := reg.JoinStudent(context.Background(), snap.ClassroomCode, "s1", "es", registry.TTSSilent); !errors.Is(err, registry.ErrClassroomExpired) {
		t.Errorf("lapsed code err = %v, want ErrClassroomExpired", err)
	}
}

func TestJoinStudent_TracksPeakAndLanguages(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")

	join := func(conn, lang string) {
		t.Helper()
		if _, err := reg.JoinStudent(context.Background(), snap.ClassroomCode, conn, lang, registry.TTSSynthesized); err != nil {
			t.Fatalf("join %s: %v", conn, err)
		}
	}
	join("s1", "es")
	join("s2", "es")
	join("s3", "fr")

	langs := reg.TargetLanguages(snap.SessionID)
	if len(langs) != 2 || langs[0] != "es" || langs[1] != "fr" {
		t.Errorf("target languages = %v, want [es fr]", langs)
	}
	if subs := reg.Subscribers(snap.SessionID, "es"); len(subs) != 2 {
		t.Errorf("es subscribers = %d, want 2", len(subs))
	}

	reg.Disconnect("s2")
	got, _ := reg.Get(snap.SessionID)
	if got.PeakStudents != 3 {
		t.Errorf("peak students = %d, want 3", got.PeakStudents)
	}
}

func TestDisconnect_ReportsOrphanedLanguage(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	reg.JoinStudent(context.Background(), snap.ClassroomCode, "s1", "es", registry.TTSSilent)
	reg.JoinStudent(context.Background(), snap.ClassroomCode, "s2", "es", registry.TTSSilent)

	if _, orphaned := reg.Disconnect("s1"); orphaned != "" {
		t.Errorf("orphaned = %q, want empty while another es subscriber remains", orphaned)
	}
	if sid, orphaned := reg.Disconnect("s2"); orphaned != "es" || sid != snap.SessionID {
		t.Errorf("disconnect = (%q, %q), want (%q, es)", sid, orphaned, snap.SessionID)
	}
}

func TestDisconnect_TeacherWithStudentsDrains(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	reg.JoinStudent(context.Background(), snap.ClassroomCode, "s1", "es", registry.TTSSilent)

	reg.Disconnect("conn-1")
	got, _ := reg.Get(snap.SessionID)
	if got.State != registry.StateDraining {
		t.Errorf("state = %q, want draining", got.State)
	}

	// Reconnect within the grace window returns the session to Active.
	resumedSnap, resumed, err := reg.ConnectTeacher(context.Background(), "ms-garcia", "", "conn-2")
	if err != nil || !resumed {
		t.Fatalf("reconnect = (%v, resumed=%v)", err, resumed)
	}
	if resumedSnap.State != registry.StateActive {
		t.Errorf("state = %q, want active after reconnect", resumedSnap.State)
	}
}

func TestChangeLanguage_StudentOrphansPrevious(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	reg.JoinStudent(context.Background(), snap.ClassroomCode, "s1", "es", registry.TTSSilent)

	orphaned, err := reg.ChangeLanguage("s1", "fr")
	if err != nil {
		t.Fatalf("change language: %v", err)
	}
	if orphaned != "es" {
		t.Errorf("orphaned = %q, want es", orphaned)
	}

	// Teacher language changes never orphan anything.
	orphaned, err = reg.ChangeLanguage("conn-1", "de")
	if err != nil || orphaned != "" {
		t.Errorf("teacher change = (%q, %v), want (\"\", nil)", orphaned, err)
	}
	got, _ := reg.Get(snap.SessionID)
	if got.TeacherLanguage != "de" {
		t.Errorf("teacher language = %q, want de", got.TeacherLanguage)
	}
}

func TestExpireSession_ReleasesCodeAndFiresHook(t *testing.T) {
	reg, codes, _, _ := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")
	reg.JoinStudent(context.Background(), snap.ClassroomCode, "s1", "es", registry.TTSSilent)

	var hookSnap registry.Snapshot
	var hookReason string
	reg.SetExpireHook(func(s registry.Snapshot, reason string) {
		hookSnap = s
		hookReason = reason
	})

	if err := reg.ExpireSession(snap.SessionID, registry.ReasonAdmin); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if hookSnap.SessionID != snap.SessionID || hookReason != registry.ReasonAdmin {
		t.Errorf("hook = (%q, %q), want (%q, admin)", hookSnap.SessionID, hookReason, snap.SessionID)
	}
	// The hook snapshot must still carry the connections so the caller can
	// deliver session.expired before the sockets close.
	if hookSnap.TeacherConnID != "conn-1" {
		t.Errorf("hook teacher conn = %q, want conn-1", hookSnap.TeacherConnID)
	}
	if len(hookSnap.Students) != 1 || hookSnap.Students[0].ConnID != "s1" {
		t.Errorf("hook students = %+v, want [s1]", hookSnap.Students)
	}

	// The code is quarantined, not resolvable.
	if _, err := codes.Resolve(snap.ClassroomCode); !errors.Is(err, code.ErrExpired) {
		t.Errorf("code resolve err = %v, want ErrExpired", err)
	}

	// Second expiry of the same session reports not found.
	if err := reg.ExpireSession(snap.SessionID, registry.ReasonAdmin); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second expire err = %v, want ErrNotFound", err)
	}
}

func TestExpireAll(t *testing.T) {
	reg, _, _, _ := newRegistry(t, testConfig())
	reg.ConnectTeacher(context.Background(), "t1", "en", "c1")
	reg.ConnectTeacher(context.Background(), "t2", "en", "c2")

	expired := reg.ExpireAll(registry.ReasonAdmin)
	if len(expired) != 2 {
		t.Errorf("expired = %d, want 2", len(expired))
	}
	if reg.Count() != 0 {
		t.Errorf("count = %d, want 0", reg.Count())
	}
}

func TestRecordTranslations_StampsActivity(t *testing.T) {
	reg, _, _, clk := newRegistry(t, testConfig())
	snap, _, _ := reg.ConnectTeacher(context.Background(), "ms-garcia", "en", "conn-1")

	clk.advance(5 * time.Minute)
	reg.RecordTranslations(snap.SessionID, 3)

	got, _ := reg.Get(snap.SessionID)
	if got.TotalTranslations != 3 {
		t.Errorf("total translations = %d, want 3", got.TotalTranslations)
	}
	if !got.LastActivityAt.Equal(clk.now()) {
		t.Errorf("last activity = %v, want %v", got.LastActivityAt, clk.now())
	}
}
