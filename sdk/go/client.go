package cliplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Clipline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID          string         `json:"run_id"`
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status"`
	StageIndex  int            `json:"stage_index"`
	PendingGate *string        `json:"pending_gate,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Artifact represents an audit artifact attached to a run.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	URL       string         `json:"url,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ApprovalLink is a signed gate approval link.
type ApprovalLink struct {
	RunID       string `json:"run_id"`
	Gate        string `json:"gate"`
	Token       string `json:"token"`
	ApprovalURL string `json:"approval_url"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

// WebhookOutcome is the ack returned by webhook ingestion.
type WebhookOutcome struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	RunID          string `json:"run_id,omitempty"`
}

// DLQEntry represents a parked webhook delivery.
type DLQEntry struct {
	ID             string  `json:"id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Provider       string  `json:"provider"`
	LastError      string  `json:"last_error"`
	RetryCount     int     `json:"retry_count"`
	NextRetryAt    *string `json:"next_retry_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ReplayResult summarizes one DLQ drain pass.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InvokeRun starts or re-enters a run.
func (c *Client) InvokeRun(ctx context.Context, runID, project string, input, resume map[string]any) (Run, error) {
	body := map[string]any{}
	if project != "" {
		body["project"] = project
	}
	if input != nil {
		body["input"] = input
	}
	if resume != nil {
		body["resume"] = resume
	}
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s/invoke", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// CancelRun cancels a pending or running run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/runs/%s/cancel", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// RunArtifacts lists a run's audit artifacts.
func (c *Client) RunArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s/artifacts", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// ApprovalLink issues a signed approval link for a suspended gate.
func (c *Client) ApprovalLink(ctx context.Context, runID, gate string) (ApprovalLink, error) {
	var resp ApprovalLink
	endpoint := fmt.Sprintf("v0/runs/%s/gates/%s/link", url.PathEscape(runID), url.PathEscape(gate))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve applies an approval token to a suspended gate.
func (c *Client) Approve(ctx context.Context, runID, gate, token string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	endpoint := fmt.Sprintf("v0/approve/%s/%s?token=%s",
		url.PathEscape(runID), url.PathEscape(gate), url.QueryEscape(token))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Run, err
}

// Webhook delivers a provider callback payload.
func (c *Client) Webhook(ctx context.Context, provider string, headers map[string]string, payload []byte) (WebhookOutcome, error) {
	endpoint := fmt.Sprintf("v0/webhooks/%s", url.PathEscape(provider))
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return WebhookOutcome{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	var resp WebhookOutcome
	err = c.send(req, &resp)
	return resp, err
}

// DLQ lists parked deliveries.
func (c *Client) DLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	endpoint := "v0/dlq"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []DLQEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReplayDLQ drains due entries through the live ingest path.
func (c *Client) ReplayDLQ(ctx context.Context, limit int) (ReplayResult, error) {
	endpoint := "v0/dlq/replay"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp ReplayResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
