package server

import (
	"encoding/json"

	"clipline/internal/domain"
)

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type InvokeRunRequest struct {
	Project  string           `json:"project,omitempty"`
	Input    map[string]any   `json:"input,omitempty"`
	Videos   []map[string]any `json:"videos,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	Resume   map[string]any   `json:"resume,omitempty"`
}

type RunResponse struct {
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

type ArtifactResponse struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	URL       string         `json:"url,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type WebhookEventResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Provider       string `json:"provider"`
	ReceivedAt     string `json:"received_at"`
	SignatureState string `json:"signature_state"`
}

type DLQEntryResponse struct {
	ID             string  `json:"id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Provider       string  `json:"provider"`
	LastError      string  `json:"last_error"`
	RetryCount     int     `json:"retry_count"`
	NextRetryAt    *string `json:"next_retry_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func runResponse(r domain.Run) RunResponse {
	resp := RunResponse{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Status:      r.Status,
		StageIndex:  r.StageIndex,
		PendingGate: r.PendingGate,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ResultJSON != nil {
		var result map[string]any
		if err := json.Unmarshal([]byte(*r.ResultJSON), &result); err == nil {
			resp.Result = result
		}
	}
	return resp
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	resp := ArtifactResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		Type:      a.Type,
		URL:       a.URL,
		Provider:  a.Provider,
		Stage:     a.Stage,
		CreatedAt: a.CreatedAt,
	}
	if a.MetadataJSON != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(a.MetadataJSON), &meta); err == nil {
			resp.Metadata = meta
		}
	}
	return resp
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func webhookEventResponse(e domain.WebhookEvent) WebhookEventResponse {
	return WebhookEventResponse{
		IdempotencyKey: e.IdempotencyKey,
		Provider:       e.Provider,
		ReceivedAt:     e.ReceivedAt,
		SignatureState: e.SignatureState,
	}
}

func dlqEntryResponse(e domain.DLQEntry) DLQEntryResponse {
	return DLQEntryResponse{
		ID:             e.ID,
		IdempotencyKey: e.IdempotencyKey,
		Provider:       e.Provider,
		LastError:      e.LastError,
		RetryCount:     e.RetryCount,
		NextRetryAt:    e.NextRetryAt,
		CreatedAt:      e.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
