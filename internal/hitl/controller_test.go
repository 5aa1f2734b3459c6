package hitl_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/hitl"
	"clipline/internal/migrate"
	"clipline/internal/pipeline"
)

func newController(t *testing.T) (hitl.Controller, context.Context) {
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
	cfg.Pipeline.Stages = []string{"ideate", "publish"}
	cfg.Pipeline.Supervisors = nil
	cfg.Pipeline.Gates = []string{"after_ideate"}
	cfg.Pipeline.Callbacks = nil
	cache := pipeline.NewCache(func(project string) (*pipeline.Pipeline, error) {
		reg := pipeline.NewRegistry()
		pipeline.RegisterDefaults(reg, cfg.Pipeline.Stages, cfg.Pipeline.Callbacks)
		return pipeline.Compose(cfg, reg)
	})
	eng := engine.New(conn, cache)
	eng.Now = func() time.Time { return issuedAt }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	ctrl := hitl.Controller{
		Engine: eng,
		Tokens: hitl.TokenIssuer{Secret: []byte("sssh"), Now: func() time.Time { return issuedAt }},
	}
	return ctrl, ctx
}

func suspendRun(t *testing.T, ctrl hitl.Controller, ctx context.Context, runID string) {
	t.Helper()
	run, err := ctrl.Engine.Invoke(ctx, engine.InvokeOptions{RunID: runID, Project: "proj-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if run.Status != domain.RunAwaitingGate {
		t.Fatalf("expected awaiting_gate, got %s", run.Status)
	}
}

func TestApprovalLinkNormalizesGateAlias(t *testing.T) {
	ctrl, ctx := newController(t)
	suspendRun(t, ctrl, ctx, "run-1")

	link, err := ctrl.ApprovalLink(ctx, "run-1", "after_ideate", "https://api.example/v0")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Gate != "ideate" {
		t.Fatalf("expected canonical gate ideate, got %s", link.Gate)
	}
	if !strings.Contains(link.ApprovalURL, "/approve/run-1/ideate?token=") {
		t.Fatalf("unexpected approval url %s", link.ApprovalURL)
	}
	if link.ExpiresIn != 24*3600 {
		t.Fatalf("expected 24h lifetime, got %d", link.ExpiresIn)
	}
}

func TestApproveResumesRunAndRecordsArtifact(t *testing.T) {
	ctrl, ctx := newController(t)
	suspendRun(t, ctrl, ctx, "run-1")

	token := ctrl.Tokens.Issue("run-1", "ideate")
	run, err := ctrl.Approve(ctx, "run-1", "ideate", token, "alice", "10.0.0.1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if run.Status != domain.RunPublished {
		t.Fatalf("expected published, got %s", run.Status)
	}
	n, err := ctrl.Engine.Repo.CountArtifacts(ctx, "run-1", "hitl.approval")
	if err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one hitl.approval artifact, got %d", n)
	}
}

func TestApproveUniformErrorForBadToken(t *testing.T) {
	ctrl, ctx := newController(t)
	suspendRun(t, ctrl, ctx, "run-1")

	otherGate := ctrl.Tokens.Issue("run-1", "prepublish")
	for name, token := range map[string]string{
		"garbage":    "not-a-token",
		"wrong gate": otherGate,
	} {
		_, err := ctrl.Approve(ctx, "run-1", "ideate", token, "alice", "")
		if !errors.Is(err, hitl.ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
		if err.Error() != hitl.ErrInvalidToken.Error() {
			t.Fatalf("%s: error must stay uniform, got %q", name, err.Error())
		}
	}
}

func TestApproveValidTokenForUnknownRunStaysUniform(t *testing.T) {
	ctrl, ctx := newController(t)
	token := ctrl.Tokens.Issue("run-ghost", "ideate")
	_, err := ctrl.Approve(ctx, "run-ghost", "ideate", token, "alice", "")
	if !errors.Is(err, hitl.ErrInvalidToken) {
		t.Fatalf("expected uniform invalid token for unknown run, got %v", err)
	}
}

func TestApproveTwiceConflicts(t *testing.T) {
	ctrl, ctx := newController(t)
	suspendRun(t, ctrl, ctx, "run-1")

	token := ctrl.Tokens.Issue("run-1", "ideate")
	if _, err := ctrl.Approve(ctx, "run-1", "ideate", token, "alice", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := ctrl.Approve(ctx, "run-1", "ideate", token, "alice", "")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict on second approval, got %v", err)
	}
}
