package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/pipeline"
	"clipline/internal/repo"
)

// ErrUpstreamUnavailable marks an approval that verified fine but could not
// be forwarded to the run engine.
var ErrUpstreamUnavailable = errors.New("gateway unavailable")

// Link is a ready-to-send approval URL for a suspended gate.
type Link struct {
	RunID       string `json:"run_id"`
	Gate        string `json:"gate"`
	Token       string `json:"token"`
	ApprovalURL string `json:"approval_url"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

// Controller handles the approval side of gate suspensions: issuing links
// and applying human decisions back onto suspended runs.
type Controller struct {
	Engine engine.Engine
	Tokens TokenIssuer
	Logger *log.Logger
}

func (c Controller) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// ApprovalLink issues a signed link for the run/gate pair. Gate aliases are
// normalized so the link works with whichever spelling the caller uses.
func (c Controller) ApprovalLink(ctx context.Context, runID, gate, baseURL string) (Link, error) {
	gate = pipeline.NormalizeGate(gate)
	if _, err := c.Engine.Repo.GetRun(ctx, runID); err != nil {
		return Link{}, err
	}
	token := c.Tokens.Issue(runID, gate)
	approvalURL := fmt.Sprintf("%s/approve/%s/%s?token=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(runID), url.PathEscape(gate), url.QueryEscape(token))
	return Link{
		RunID:       runID,
		Gate:        gate,
		Token:       token,
		ApprovalURL: approvalURL,
		ExpiresIn:   c.Tokens.ExpiresIn(),
	}, nil
}

// Approve verifies the token and resumes the run past the named gate. Token
// failures all come back as ErrInvalidToken with the detail only logged. The
// approval itself is recorded as an artifact before the engine resumes, so
// the audit trail survives even when the resume fails downstream.
func (c Controller) Approve(ctx context.Context, runID, gate, token, approver, clientIP string) (domain.Run, error) {
	gate = pipeline.NormalizeGate(gate)
	if err := c.Tokens.Verify(runID, gate, token); err != nil {
		c.logger().Printf("hitl: rejected approval for run=%s gate=%s: %v", runID, gate, err)
		return domain.Run{}, ErrInvalidToken
	}
	run, err := c.Engine.Repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Valid signature for a missing run still gets the uniform
			// answer; the token proves nothing about run existence.
			c.logger().Printf("hitl: approval for unknown run=%s gate=%s", runID, gate)
			return domain.Run{}, ErrInvalidToken
		}
		return domain.Run{}, err
	}
	if run.Status != domain.RunAwaitingGate || run.PendingGate == nil || *run.PendingGate != gate {
		return run, fmt.Errorf("run %s is not awaiting gate %s: %w", runID, gate, engine.ErrConflict)
	}

	meta, _ := json.Marshal(map[string]any{"gate": gate, "approver": approver, "client_ip": clientIP})
	if _, err := c.Engine.AppendArtifact(ctx, domain.Artifact{
		RunID:        runID,
		Type:         "hitl.approval",
		Stage:        "gate:" + gate,
		MetadataJSON: string(meta),
	}, approver); err != nil {
		return run, err
	}

	resumed, err := c.Engine.Resume(ctx, runID, map[string]any{
		"approved": true,
		"gate":     gate,
		"approver": approver,
	}, approver)
	if err != nil {
		if errors.Is(err, engine.ErrConflict) {
			return resumed, err
		}
		c.logger().Printf("hitl: resume failed for run=%s gate=%s: %v", runID, gate, err)
		return resumed, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return resumed, nil
}
