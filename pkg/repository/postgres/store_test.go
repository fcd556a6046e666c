package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/polyglossa/pkg/repository"
	"github.com/MrWong99/polyglossa/pkg/repository/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if POLYGLOSSA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POLYGLOSSA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYGLOSSA_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and
// closes it when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cleanPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	for _, tbl := range []string{"translations", "transcripts", "sessions"} {
		if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS "+tbl); err != nil {
			t.Fatalf("drop %s: %v", tbl, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sessionRecord(id string) repository.SessionRecord {
	return repository.SessionRecord{
		SessionID:       id,
		TeacherIdentity: "ms-garcia",
		ClassroomCode:   "K7P2MN",
		TeacherLanguage: "en",
		Status:          repository.SessionActive,
		StartTime:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestUpsertSession_CreateAndRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sessionRecord("s1")
	if err := store.UpsertSession(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec.TeacherLanguage = "de"
	if err := store.UpsertSession(ctx, rec); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	active, err := store.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active rows = %d, want 1", len(active))
	}
	if active[0].TeacherLanguage != "de" {
		t.Errorf("teacher language = %q, want de", active[0].TeacherLanguage)
	}
}

func TestEndSession_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSession(ctx, sessionRecord("s1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	endedAt := time.Now().UTC()
	totals := repository.SessionTotals{TotalTranslations: 42, PeakStudents: 7}
	if err := store.EndSession(ctx, "s1", endedAt, totals); err != nil {
		t.Fatalf("end: %v", err)
	}
	// Retry with different totals must not overwrite the terminal row.
	if err := store.EndSession(ctx, "s1", endedAt.Add(time.Hour), repository.SessionTotals{}); err != nil {
		t.Fatalf("retry end: %v", err)
	}

	active, err := store.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active rows = %d, want 0 after end", len(active))
	}
}

func TestUpsertSession_DoesNotResurrectEndedRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSession(ctx, sessionRecord("s1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.EndSession(ctx, "s1", time.Now().UTC(), repository.SessionTotals{}); err != nil {
		t.Fatalf("end: %v", err)
	}

	// A late best-effort upsert from a racing writer must not flip the row
	// back to active.
	if err := store.UpsertSession(ctx, sessionRecord("s1")); err != nil {
		t.Fatalf("late upsert: %v", err)
	}
	active, err := store.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active rows = %d, want 0", len(active))
	}
}

func TestInsertTranslation_DuplicateKeyIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	text := "hola clase"
	rec := repository.TranslationRecord{
		SessionID:      "s1",
		UtteranceID:    "u1",
		SourceLanguage: "en",
		TargetLanguage: "es",
		SourceText:     "hello class",
		TranslatedText: &text,
		Latency:        repository.LatencyComponents{TranslationMS: 120, TotalMS: 150},
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.InsertTranslation(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertTranslation(ctx, rec); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	// A failed translation for another language stores a NULL text.
	rec.TargetLanguage = "fr"
	rec.TranslatedText = nil
	if err := store.InsertTranslation(ctx, rec); err != nil {
		t.Fatalf("nil text insert: %v", err)
	}
}

func TestInsertTranscript_DuplicateKeyIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := repository.TranscriptRecord{
		SessionID:   "s1",
		UtteranceID: "u1",
		Language:    "en",
		Text:        "hello class",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.InsertTranscript(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertTranscript(ctx, rec); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
}

func TestAdminForceCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := sessionRecord("s-old")
	old.StartTime = time.Now().UTC().Add(-3 * time.Hour)
	fresh := sessionRecord("s-fresh")

	if err := store.UpsertSession(ctx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	if err := store.UpsertSession(ctx, fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	n, err := store.AdminForceCleanup(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("force cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned rows = %d, want 1", n)
	}

	active, err := store.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "s-fresh" {
		t.Errorf("remaining active = %+v, want only s-fresh", active)
	}
}
