package domain

// Run statuses.
const (
	RunPending          = "pending"
	RunRunning          = "running"
	RunAwaitingGate     = "awaiting_gate"
	RunAwaitingCallback = "awaiting_callback"
	RunPublished        = "published"
	RunFailed           = "failed"
	RunCancelled        = "cancelled"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Run struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	StageIndex  int     `json:"stage_index"`
	Status      string  `json:"status" enum:"pending,running,awaiting_gate,awaiting_callback,published,failed,cancelled"`
	PendingGate *string `json:"pending_gate,omitempty"`
	InputJSON   string  `json:"input_json,omitempty"`
	ResultJSON  *string `json:"result_json,omitempty"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition is allowed for the run.
func (r Run) Terminal() bool {
	return r.Status == RunPublished || r.Status == RunFailed || r.Status == RunCancelled
}

// Checkpoint holds the full serialized run state, one row per run id.
// Each save fully replaces the previous snapshot.
type Checkpoint struct {
	RunID        string `json:"run_id"`
	SnapshotJSON string `json:"snapshot_json"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type WebhookEvent struct {
	IdempotencyKey string `json:"idempotency_key"`
	Provider       string `json:"provider"`
	ReceivedAt     string `json:"received_at" format:"date-time"`
	HeadersJSON    string `json:"headers_json"`
	Payload        []byte `json:"payload"`
	SignatureState string `json:"signature_state" enum:"verified,invalid,unverified"`
}

type DLQEntry struct {
	ID             string  `json:"id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Provider       string  `json:"provider"`
	HeadersJSON    string  `json:"headers_json"`
	Payload        []byte  `json:"payload"`
	LastError      string  `json:"last_error"`
	RetryCount     int     `json:"retry_count"`
	NextRetryAt    *string `json:"next_retry_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Artifact is an append-only audit record attached to a run. Every
// state-changing action the orchestrator performs emits one.
type Artifact struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
	Stage        string `json:"stage,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
