package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/dlq"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/migrate"
	"clipline/internal/pipeline"
	"clipline/internal/repo"
	"clipline/internal/webhook"
)

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newGuard(t *testing.T, providers map[string]config.Provider) (webhook.Guard, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Pipeline.Stages = []string{"render", "publish"}
	cfg.Pipeline.Supervisors = nil
	cfg.Pipeline.Gates = nil
	cfg.Pipeline.Callbacks = map[string]string{"render": "shotstack"}
	cache := pipeline.NewCache(func(project string) (*pipeline.Pipeline, error) {
		reg := pipeline.NewRegistry()
		pipeline.RegisterDefaults(reg, cfg.Pipeline.Stages, cfg.Pipeline.Callbacks)
		return pipeline.Compose(cfg, reg)
	})
	eng := engine.New(conn, cache)
	eng.Now = func() time.Time { return fixedNow }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	r := repo.Repo{DB: conn}
	scheduler := dlq.New(r)
	scheduler.Now = func() time.Time { return fixedNow }
	g := webhook.Guard{
		Engine:    eng,
		Repo:      r,
		DLQ:       scheduler,
		Providers: providers,
		Now:       func() time.Time { return fixedNow },
	}
	return g, ctx
}

func suspendAtCallback(t *testing.T, g webhook.Guard, ctx context.Context, runID string) {
	t.Helper()
	run, err := g.Engine.Invoke(ctx, engine.InvokeOptions{RunID: runID, Project: "proj-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if run.Status != domain.RunAwaitingCallback {
		t.Fatalf("expected awaiting_callback, got %s", run.Status)
	}
}

func TestIngestAppliesEffectOnceAndDeduplicates(t *testing.T) {
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {IDHeader: "x-shotstack-id"}})
	suspendAtCallback(t, g, ctx, "run-1")

	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-42")
	body := []byte(`{"run_id":"run-1","result":{"url":"https://cdn.example/v.mp4"}}`)

	out, err := g.Ingest(ctx, "shotstack", headers, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Status != webhook.StatusGenerated {
		t.Fatalf("expected generated, got %s", out.Status)
	}
	if out.IdempotencyKey != "evt-42" {
		t.Fatalf("expected header-derived key, got %s", out.IdempotencyKey)
	}
	run, err := g.Engine.Repo.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunPublished {
		t.Fatalf("expected published, got %s", run.Status)
	}
	if n, _ := g.Engine.Repo.CountArtifacts(ctx, "run-1", "shotstack.callback"); n != 1 {
		t.Fatalf("expected one callback artifact, got %d", n)
	}

	// Redelivery of the same event is acknowledged without side effects.
	out, err = g.Ingest(ctx, "shotstack", headers, body)
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if out.Status != webhook.StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", out.Status)
	}
	if n, _ := g.Engine.Repo.CountArtifacts(ctx, "run-1", "shotstack.callback"); n != 1 {
		t.Fatalf("duplicate delivery re-applied the effect")
	}
}

func TestIngestFallsBackToBodyDigestKey(t *testing.T) {
	g, ctx := newGuard(t, nil)
	suspendAtCallback(t, g, ctx, "run-1")

	body := []byte(`{"run_id":"run-1","result":{"url":"x"}}`)
	out, err := g.Ingest(ctx, "shotstack", http.Header{}, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	sum := sha256.Sum256(body)
	if out.IdempotencyKey != hex.EncodeToString(sum[:]) {
		t.Fatalf("expected sha256 fallback key, got %s", out.IdempotencyKey)
	}
	if out.Status != webhook.StatusGenerated {
		t.Fatalf("expected generated, got %s", out.Status)
	}
}

func TestIngestRejectsBadSignatureWithoutEffect(t *testing.T) {
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {
		IDHeader:      "x-shotstack-id",
		SigningSecret: "topsecret",
	}})
	suspendAtCallback(t, g, ctx, "run-1")

	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-1")
	headers.Set(webhook.SignatureHeader, "deadbeef")
	out, err := g.Ingest(ctx, "shotstack", headers, []byte(`{"run_id":"run-1"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Status != webhook.StatusInvalid {
		t.Fatalf("expected invalid, got %s", out.Status)
	}
	run, _ := g.Engine.Repo.GetRun(ctx, "run-1")
	if run.Status != domain.RunAwaitingCallback {
		t.Fatalf("invalid signature must not advance the run, got %s", run.Status)
	}
	evt, err := g.Repo.GetWebhookEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("event must still be retained: %v", err)
	}
	if evt.SignatureState != webhook.SignatureInvalid {
		t.Fatalf("expected invalid signature state, got %s", evt.SignatureState)
	}
}

func TestIngestAcceptsValidSignature(t *testing.T) {
	secret := "topsecret"
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {
		IDHeader:      "x-shotstack-id",
		SigningSecret: secret,
	}})
	suspendAtCallback(t, g, ctx, "run-1")

	body := []byte(`{"run_id":"run-1","result":{"url":"x"}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-1")
	headers.Set(webhook.SignatureHeader, hex.EncodeToString(mac.Sum(nil)))

	out, err := g.Ingest(ctx, "shotstack", headers, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Status != webhook.StatusGenerated {
		t.Fatalf("expected generated, got %s", out.Status)
	}
	evt, _ := g.Repo.GetWebhookEvent(ctx, "evt-1")
	if evt.SignatureState != webhook.SignatureVerified {
		t.Fatalf("expected verified, got %s", evt.SignatureState)
	}
}

func TestProcessingFailureParksInDLQAndStillAcks(t *testing.T) {
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {IDHeader: "x-shotstack-id"}})

	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-9")
	body := []byte(`{"run_id":"run-missing","result":{}}`)

	out, err := g.Ingest(ctx, "shotstack", headers, body)
	if err != nil {
		t.Fatalf("ingest must ack, not fail: %v", err)
	}
	if out.Status != webhook.StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}
	entry, err := g.Repo.GetDLQEntry(ctx, "evt-9", "shotstack")
	if err != nil {
		t.Fatalf("expected DLQ entry: %v", err)
	}
	if entry.RetryCount != 0 {
		t.Fatalf("first park should have retry_count 0, got %d", entry.RetryCount)
	}
	if entry.NextRetryAt == nil {
		t.Fatalf("expected scheduled retry")
	}
}

func TestRedeliveryOfParkedEventRetriesEffect(t *testing.T) {
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {IDHeader: "x-shotstack-id"}})

	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-9")
	body := []byte(`{"run_id":"run-1","result":{"url":"x"}}`)

	// The run does not exist yet, so the first delivery parks.
	out, err := g.Ingest(ctx, "shotstack", headers, body)
	if err != nil || out.Status != webhook.StatusQueued {
		t.Fatalf("expected queued, got %s err %v", out.Status, err)
	}

	suspendAtCallback(t, g, ctx, "run-1")

	// Same key again: a parked entry exists, so this is a retry of a
	// failed effect, not a no-op duplicate.
	out, err = g.Ingest(ctx, "shotstack", headers, body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Status != webhook.StatusGenerated {
		t.Fatalf("expected generated on retry, got %s", out.Status)
	}
	if _, err := g.Repo.GetDLQEntry(ctx, "evt-9", "shotstack"); err == nil {
		t.Fatalf("DLQ entry must be drained after successful retry")
	}
	run, _ := g.Engine.Repo.GetRun(ctx, "run-1")
	if run.Status != domain.RunPublished {
		t.Fatalf("expected published, got %s", run.Status)
	}
}

func TestIngestPrunesExpiredEvents(t *testing.T) {
	g, ctx := newGuard(t, map[string]config.Provider{"shotstack": {IDHeader: "x-shotstack-id"}})
	g.Retention = time.Hour
	suspendAtCallback(t, g, ctx, "run-1")

	stale := domain.WebhookEvent{
		IdempotencyKey: "evt-old",
		Provider:       "shotstack",
		ReceivedAt:     fixedNow.Add(-2 * time.Hour).UTC().Format(time.RFC3339),
		SignatureState: webhook.SignatureUnverified,
	}
	if _, err := g.Repo.InsertWebhookEvent(ctx, stale); err != nil {
		t.Fatalf("seed stale event: %v", err)
	}

	headers := http.Header{}
	headers.Set("x-shotstack-id", "evt-new")
	if _, err := g.Ingest(ctx, "shotstack", headers, []byte(`{"run_id":"run-1","result":{}}`)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := g.Repo.GetWebhookEvent(ctx, "evt-old"); err == nil {
		t.Fatalf("stale event should have been pruned")
	}
	if _, err := g.Repo.GetWebhookEvent(ctx, "evt-new"); err != nil {
		t.Fatalf("fresh event must survive pruning: %v", err)
	}
}
