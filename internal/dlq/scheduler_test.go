package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"clipline/internal/db"
	"clipline/internal/dlq"
	"clipline/internal/domain"
	"clipline/internal/migrate"
	"clipline/internal/repo"
)

var parkedAt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (dlq.Scheduler, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := dlq.New(repo.Repo{DB: conn})
	s.Now = func() time.Time { return parkedAt }
	return s, context.Background()
}

func TestDelayDoublesAndCaps(t *testing.T) {
	s := dlq.Scheduler{}
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for retry, d := range want {
		if got := s.Delay(retry); got != d {
			t.Fatalf("Delay(%d) = %s, want %s", retry, got, d)
		}
	}
	if got := s.Delay(10); got != 3600*time.Second {
		t.Fatalf("Delay(10) = %s, want the 3600s cap", got)
	}
}

func TestParkBumpsRetryAndReschedules(t *testing.T) {
	s, ctx := newScheduler(t)

	entry, err := s.Park(ctx, "evt-1", "shotstack", "{}", []byte(`{"run_id":"run-1"}`), errors.New("run not found"))
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if entry.RetryCount != 0 {
		t.Fatalf("first park: retry %d, want 0", entry.RetryCount)
	}
	firstID := entry.ID
	wantNext := parkedAt.Add(60 * time.Second).Format(time.RFC3339)
	if entry.NextRetryAt == nil || *entry.NextRetryAt != wantNext {
		t.Fatalf("first park: next %v, want %s", entry.NextRetryAt, wantNext)
	}

	entry, err = s.Park(ctx, "evt-1", "shotstack", "{}", []byte(`{"run_id":"run-1"}`), errors.New("still down"))
	if err != nil {
		t.Fatalf("repark: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("repark: retry %d, want 1", entry.RetryCount)
	}
	if entry.ID != firstID {
		t.Fatalf("repark must reuse the existing row, got new id %s", entry.ID)
	}
	wantNext = parkedAt.Add(120 * time.Second).Format(time.RFC3339)
	if entry.NextRetryAt == nil || *entry.NextRetryAt != wantNext {
		t.Fatalf("repark: next %v, want %s", entry.NextRetryAt, wantNext)
	}
	if entry.LastError != "still down" {
		t.Fatalf("repark must record the latest error, got %q", entry.LastError)
	}

	all, err := s.Repo.ListDLQEntries(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row per (key, provider), got %d", len(all))
	}
}

func TestDueReturnsElapsedEntriesOldestFirst(t *testing.T) {
	s, ctx := newScheduler(t)

	s.Now = func() time.Time { return parkedAt.Add(-time.Hour) }
	if _, err := s.Park(ctx, "evt-old", "shotstack", "{}", []byte(`{}`), errors.New("x")); err != nil {
		t.Fatalf("park old: %v", err)
	}
	s.Now = func() time.Time { return parkedAt.Add(-30 * time.Minute) }
	if _, err := s.Park(ctx, "evt-mid", "shotstack", "{}", []byte(`{}`), errors.New("x")); err != nil {
		t.Fatalf("park mid: %v", err)
	}
	// Parked just now: next_retry_at is still in the future.
	s.Now = func() time.Time { return parkedAt }
	if _, err := s.Park(ctx, "evt-future", "shotstack", "{}", []byte(`{}`), errors.New("x")); err != nil {
		t.Fatalf("park future: %v", err)
	}

	due, err := s.Due(ctx, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].IdempotencyKey != "evt-old" || due[1].IdempotencyKey != "evt-mid" {
		t.Fatalf("expected oldest first, got %s then %s", due[0].IdempotencyKey, due[1].IdempotencyKey)
	}
}

func TestReplayDrainsOnSuccessAndReparksOnFailure(t *testing.T) {
	s, ctx := newScheduler(t)

	s.Now = func() time.Time { return parkedAt.Add(-time.Hour) }
	if _, err := s.Park(ctx, "evt-good", "shotstack", "{}", []byte(`{}`), errors.New("x")); err != nil {
		t.Fatalf("park: %v", err)
	}
	if _, err := s.Park(ctx, "evt-bad", "shotstack", "{}", []byte(`{}`), errors.New("x")); err != nil {
		t.Fatalf("park: %v", err)
	}
	s.Now = func() time.Time { return parkedAt }

	res, err := s.Replay(ctx, func(_ context.Context, entry domain.DLQEntry) error {
		if entry.IdempotencyKey == "evt-bad" {
			return errors.New("downstream still failing")
		}
		return nil
	}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Attempted != 2 || res.Succeeded != 1 || res.Requeued != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := s.Repo.GetDLQEntry(ctx, "evt-good", "shotstack"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("successful replay must drain the entry, got %v", err)
	}
	bad, err := s.Repo.GetDLQEntry(ctx, "evt-bad", "shotstack")
	if err != nil {
		t.Fatalf("get reparked: %v", err)
	}
	if bad.RetryCount != 1 {
		t.Fatalf("failed replay must bump retry count, got %d", bad.RetryCount)
	}
	wantNext := parkedAt.Add(120 * time.Second).Format(time.RFC3339)
	if bad.NextRetryAt == nil || *bad.NextRetryAt != wantNext {
		t.Fatalf("reparked next %v, want %s", bad.NextRetryAt, wantNext)
	}
}
