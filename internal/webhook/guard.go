package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"clipline/internal/config"
	"clipline/internal/dlq"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/repo"
)

// SignatureHeader carries the provider's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Signature verification states recorded on the retained event.
const (
	SignatureVerified   = "verified"
	SignatureInvalid    = "invalid"
	SignatureUnverified = "unverified"
)

// Ingest outcomes returned to the provider.
const (
	StatusGenerated = "generated"
	StatusDuplicate = "duplicate"
	StatusInvalid   = "invalid"
	StatusQueued    = "queued"
)

// Outcome is the ack the provider receives. Queued means the delivery was
// accepted but its effect failed and is parked for internal retry; providers
// never see a hard failure for processing errors.
type Outcome struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	RunID          string `json:"run_id,omitempty"`
}

// Guard is the single entry point for provider callbacks. It deduplicates
// on the idempotency key, verifies signatures where a secret is configured,
// applies the business effect exactly once and parks failures in the DLQ.
type Guard struct {
	Engine    engine.Engine
	Repo      repo.Repo
	DLQ       dlq.Scheduler
	Providers map[string]config.Provider
	Retention time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Guard) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

func (g Guard) retention() time.Duration {
	if g.Retention > 0 {
		return g.Retention
	}
	return 72 * time.Hour
}

// IdempotencyKey derives the dedup key for a delivery: the provider's
// request-id header when one is configured and present, otherwise a digest
// of the raw body. The fallback is logged so degraded providers show up.
func (g Guard) IdempotencyKey(provider string, headers http.Header, body []byte) string {
	if p, ok := g.Providers[provider]; ok && p.IDHeader != "" {
		if id := strings.TrimSpace(headers.Get(p.IDHeader)); id != "" {
			return id
		}
	}
	sum := sha256.Sum256(body)
	key := hex.EncodeToString(sum[:])
	g.logger().Printf("webhook: provider=%s missing request id, fallback key=%s", provider, key)
	return key
}

func (g Guard) signatureState(provider string, headers http.Header, body []byte) string {
	p, ok := g.Providers[provider]
	if !ok || p.SigningSecret == "" {
		return SignatureUnverified
	}
	given := strings.TrimSpace(headers.Get(SignatureHeader))
	if given == "" {
		return SignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(p.SigningSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(given)) {
		return SignatureInvalid
	}
	return SignatureVerified
}

// Ingest processes one provider delivery end to end. Duplicates are
// acknowledged without side effects, except when a DLQ entry exists for the
// same key: then the delivery is a replay of a previously failed effect and
// runs the effect again.
func (g Guard) Ingest(ctx context.Context, provider string, headers http.Header, body []byte) (Outcome, error) {
	key := g.IdempotencyKey(provider, headers, body)
	out := Outcome{IdempotencyKey: key}

	sigState := g.signatureState(provider, headers, body)
	headersJSON := marshalHeaders(headers)
	inserted, err := g.Repo.InsertWebhookEvent(ctx, domain.WebhookEvent{
		IdempotencyKey: key,
		Provider:       provider,
		ReceivedAt:     g.now().UTC().Format(time.RFC3339),
		HeadersJSON:    headersJSON,
		Payload:        body,
		SignatureState: sigState,
	})
	if err != nil {
		return out, err
	}
	defer g.pruneRetained(ctx)

	if sigState == SignatureInvalid {
		g.logger().Printf("webhook: provider=%s key=%s signature invalid", provider, key)
		out.Status = StatusInvalid
		return out, nil
	}

	if !inserted {
		if _, err := g.Repo.GetDLQEntry(ctx, key, provider); err == nil {
			return g.applyEffect(ctx, provider, key, headersJSON, body, true)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return out, err
		}
		g.logger().Printf("webhook: provider=%s key=%s duplicate, skipped", provider, key)
		out.Status = StatusDuplicate
		return out, nil
	}
	return g.applyEffect(ctx, provider, key, headersJSON, body, false)
}

// ReplayEntry is the DLQ drain hook: it re-runs the business effect for a
// parked delivery. Deletion on success and re-parking on failure are the
// scheduler's job, not repeated here.
func (g Guard) ReplayEntry(ctx context.Context, entry domain.DLQEntry) error {
	runID, payload, err := parseBody(entry.Payload)
	if err != nil {
		return err
	}
	return g.resumeRun(ctx, entry.Provider, runID, payload)
}

func (g Guard) applyEffect(ctx context.Context, provider, key, headersJSON string, body []byte, replay bool) (Outcome, error) {
	out := Outcome{IdempotencyKey: key}
	runID, payload, err := parseBody(body)
	if err == nil {
		out.RunID = runID
		err = g.resumeRun(ctx, provider, runID, payload)
	}
	if err != nil {
		g.logger().Printf("webhook: provider=%s key=%s effect failed, parking: %v", provider, key, err)
		if _, perr := g.DLQ.Park(ctx, key, provider, headersJSON, body, err); perr != nil {
			return out, perr
		}
		out.Status = StatusQueued
		return out, nil
	}
	if replay {
		if err := g.Repo.DeleteDLQEntry(ctx, key, provider); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return out, err
		}
	}
	out.Status = StatusGenerated
	return out, nil
}

func (g Guard) resumeRun(ctx context.Context, provider, runID string, payload map[string]any) error {
	run, err := g.Engine.Resume(ctx, runID, payload, "webhook:"+provider)
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]any{"provider": provider, "status": run.Status})
	if _, err := g.Engine.AppendArtifact(ctx, domain.Artifact{
		RunID:        runID,
		Type:         provider + ".callback",
		Provider:     provider,
		MetadataJSON: string(meta),
	}, "webhook:"+provider); err != nil {
		return err
	}
	return nil
}

func parseBody(body []byte) (string, map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil, fmt.Errorf("malformed payload: %w", err)
	}
	runID, _ := payload["run_id"].(string)
	if runID == "" {
		runID, _ = payload["runId"].(string)
	}
	if runID == "" {
		return "", nil, errors.New("payload has no run_id")
	}
	return runID, payload, nil
}

// pruneRetained drops retained events past the retention window. Pruning is
// opportunistic: a failure is logged and never surfaces to the provider.
func (g Guard) pruneRetained(ctx context.Context) {
	cutoff := g.now().UTC().Add(-g.retention()).Format(time.RFC3339)
	if n, err := g.Repo.PruneWebhookEvents(ctx, cutoff); err != nil {
		g.logger().Printf("webhook: prune failed: %v", err)
	} else if n > 0 {
		g.logger().Printf("webhook: pruned %d retained events", n)
	}
}

func marshalHeaders(headers http.Header) string {
	flat := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	data, _ := json.Marshal(flat)
	return string(data)
}
