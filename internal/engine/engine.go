package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"clipline/internal/config"
	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/notify"
	"clipline/internal/pipeline"
	"clipline/internal/repo"
)

// ErrConflict marks operations rejected because of the run's current state,
// e.g. cancelling an already published run.
var ErrConflict = errors.New("conflict")

// Engine drives a run through its composed stage sequence one step at a
// time, persisting a checkpoint after every step. Suspension is logical:
// the engine persists and returns, holding no goroutine or thread while a
// run waits on a gate approval or a provider callback.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Pipelines *pipeline.Cache
	Notifier  notify.Notifier
	Logger    *log.Logger
	Now       func() time.Time
}

func New(db *sql.DB, pipelines *pipeline.Cache) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Pipelines: pipelines,
		Notifier:  notify.LogNotifier{},
		Logger:    log.Default(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "content-pipeline",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.Payload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// InvokeOptions are parameters for starting or re-entering a run.
type InvokeOptions struct {
	RunID    string
	Project  string
	Input    map[string]any
	Videos   []map[string]any
	Metadata map[string]any
	Resume   map[string]any
	ActorID  string
}

// Invoke starts a new run or re-enters an existing one. When Resume is
// present it is forwarded to the suspended pipeline instead of fresh input.
// Re-invoking a suspended run is idempotent: the same gate re-triggers
// without emitting a duplicate approval request.
func (e Engine) Invoke(ctx context.Context, opts InvokeOptions) (domain.Run, error) {
	if opts.Resume != nil {
		return e.Resume(ctx, opts.RunID, opts.Resume, opts.ActorID)
	}
	run, err := e.Repo.GetRun(ctx, opts.RunID)
	switch {
	case err == nil:
		if run.Terminal() {
			return run, nil
		}
		state, err := e.loadState(ctx, run.ID)
		if err != nil {
			return run, err
		}
		pl, err := e.Pipelines.Get(run.ProjectID)
		if err != nil {
			return run, err
		}
		return e.advance(ctx, run, state, pl, nil, opts.ActorID)
	case errors.Is(err, repo.ErrNotFound):
		return e.start(ctx, opts)
	default:
		return domain.Run{}, err
	}
}

func (e Engine) start(ctx context.Context, opts InvokeOptions) (domain.Run, error) {
	if opts.Project == "" {
		return domain.Run{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.Project); err != nil {
		return domain.Run{}, err
	}
	pl, err := e.Pipelines.Get(opts.Project)
	if err != nil {
		return domain.Run{}, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	input := map[string]any{}
	for k, v := range opts.Input {
		input[k] = v
	}
	if len(opts.Videos) > 0 {
		input["videos"] = opts.Videos
	}
	if len(opts.Metadata) > 0 {
		input["metadata"] = opts.Metadata
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return domain.Run{}, fmt.Errorf("marshal input: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        runID,
		ProjectID: opts.Project,
		Status:    domain.RunRunning,
		InputJSON: string(inputJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}
	state := pipeline.NewState(runID, opts.Project, input)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.ProjectID, "run", run.ID, opts.ActorID, events.Payload{"status": run.Status}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return e.advance(ctx, run, state, pl, nil, opts.ActorID)
}

// Resume continues a suspended run from its last checkpoint, applying the
// resume payload (gate approval metadata or provider-delivered data).
func (e Engine) Resume(ctx context.Context, runID string, payload map[string]any, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return run, fmt.Errorf("run %s already %s: %w", run.ID, run.Status, ErrConflict)
	}
	state, err := e.loadState(ctx, runID)
	if err != nil {
		return run, err
	}
	pl, err := e.Pipelines.Get(run.ProjectID)
	if err != nil {
		return run, err
	}
	return e.advance(ctx, run, state, pl, payload, actorID)
}

// Cancel stops a run that has not yet suspended or finished. Cancelling a
// published, failed or already cancelled run is a conflict, not a no-op.
func (e Engine) Cancel(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.RunPending && run.Status != domain.RunRunning {
		return run, fmt.Errorf("cannot cancel run in status %s: %w", run.Status, ErrConflict)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	prev := run.Status
	run.Status = domain.RunCancelled
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.writeArtifact(ctx, tx, run.ID, "run.cancelled", artifactOpts{Metadata: map[string]any{"from": prev}}); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.cancelled", run.ProjectID, "run", run.ID, actorID, events.Payload{"from": prev}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// advance executes stages from the current index until the run completes,
// suspends or fails. The resume payload is consumed by the first step that
// matches it and never reapplied.
func (e Engine) advance(ctx context.Context, run domain.Run, state *pipeline.State, pl *pipeline.Pipeline, resume map[string]any, actorID string) (domain.Run, error) {
	for {
		step, ok := pl.StepAt(state.StageIndex)
		if !ok {
			return e.complete(ctx, run, state, actorID)
		}
		if step.Gate {
			if ap := approvalFrom(resume, step.GateName, e.now()); ap != nil {
				state.Approvals[step.GateName] = *ap
				state.PendingGate = ""
				state.StageIndex++
				resume = nil
				var err error
				run, err = e.persistProgress(ctx, run, state, domain.RunRunning, nil)
				if err != nil {
					return run, err
				}
				continue
			}
			if _, done := state.Approvals[step.GateName]; done {
				// Gate already resolved on a previous pass; replayed
				// invocations must not re-suspend.
				state.StageIndex++
				continue
			}
			return e.suspendAtGate(ctx, run, state, step.GateName, actorID)
		}
		if resume != nil && step.AwaitsCallback {
			applyCallbackPayload(state, step.Name, resume)
			resume = nil
		}
		res := step.Stage.Execute(ctx, state)
		switch res.Kind {
		case pipeline.ContinueResult:
			state = res.State
			state.StageIndex++
			var err error
			run, err = e.persistProgress(ctx, run, state, domain.RunRunning, nil)
			if err != nil {
				return run, err
			}
		case pipeline.SuspendResult:
			return e.suspendForCallback(ctx, run, state, step, res.Payload, actorID)
		case pipeline.FailResult:
			return e.fail(ctx, run, state, step, res.Err, actorID)
		default:
			return run, fmt.Errorf("stage %s returned unknown result kind %d", step.Name, res.Kind)
		}
	}
}

func (e Engine) suspendAtGate(ctx context.Context, run domain.Run, state *pipeline.State, gate, actorID string) (domain.Run, error) {
	first := !state.GateRequested(gate)
	state.PendingGate = gate
	state.MarkGateRequested(gate)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	run.Status = domain.RunAwaitingGate
	run.PendingGate = &gate
	run.StageIndex = state.StageIndex
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return run, err
	}
	if first {
		if err := e.writeArtifact(ctx, tx, run.ID, "hitl.request", artifactOpts{Stage: "gate:" + gate, Metadata: map[string]any{"gate": gate}}); err != nil {
			return run, err
		}
		if err := e.Events.Append(ctx, tx, "gate.requested", run.ProjectID, "run", run.ID, actorID, events.Payload{"gate": gate}); err != nil {
			return run, err
		}
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

func (e Engine) suspendForCallback(ctx context.Context, run domain.Run, state *pipeline.State, step pipeline.Step, payload map[string]any, actorID string) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	run.Status = domain.RunAwaitingCallback
	run.PendingGate = nil
	run.StageIndex = state.StageIndex
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	recordedKey := step.Name + ".request_recorded"
	first := false
	if recorded, _ := state.Values[recordedKey].(bool); !recorded {
		state.Values[recordedKey] = true
		first = true
	}
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return run, err
	}
	if first {
		if err := e.writeArtifact(ctx, tx, run.ID, step.Provider+".request", artifactOpts{Provider: step.Provider, Stage: step.Name, Metadata: payload}); err != nil {
			return run, err
		}
		if err := e.Events.Append(ctx, tx, "run.awaiting_callback", run.ProjectID, "run", run.ID, actorID, events.Payload{"stage": step.Name, "provider": step.Provider}); err != nil {
			return run, err
		}
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// fail persists an error checkpoint (original state plus the error field)
// and propagates the failure; the run stays inspectable, never dropped.
func (e Engine) fail(ctx context.Context, run domain.Run, state *pipeline.State, step pipeline.Step, cause error, actorID string) (domain.Run, error) {
	state.Error = cause.Error()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	msg := cause.Error()
	run.Status = domain.RunFailed
	run.Error = &msg
	run.StageIndex = state.StageIndex
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return run, err
	}
	if step.Provider != "" {
		if err := e.writeArtifact(ctx, tx, run.ID, step.Provider+".error", artifactOpts{Provider: step.Provider, Stage: step.Name, Metadata: map[string]any{"error": msg}}); err != nil {
			return run, err
		}
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ProjectID, "run", run.ID, actorID, events.Payload{"stage": step.Name, "error": msg}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, cause
}

func (e Engine) complete(ctx context.Context, run domain.Run, state *pipeline.State, actorID string) (domain.Run, error) {
	resultJSON, err := json.Marshal(state.Values)
	if err != nil {
		return run, fmt.Errorf("marshal result: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	result := string(resultJSON)
	run.Status = domain.RunPublished
	run.PendingGate = nil
	run.ResultJSON = &result
	run.StageIndex = state.StageIndex
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.published", run.ProjectID, "run", run.ID, actorID, events.Payload{"status": run.Status}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	if e.Notifier != nil {
		e.Notifier.RunPublished(ctx, run)
	}
	return run, nil
}

func (e Engine) persistProgress(ctx context.Context, run domain.Run, state *pipeline.State, status string, pendingGate *string) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	run.Status = status
	run.PendingGate = pendingGate
	run.StageIndex = state.StageIndex
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.saveCheckpoint(ctx, tx, state); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

func (e Engine) saveCheckpoint(ctx context.Context, tx *sql.Tx, state *pipeline.State) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return e.Repo.SaveCheckpoint(ctx, tx, domain.Checkpoint{
		RunID:        state.RunID,
		SnapshotJSON: string(snapshot),
		UpdatedAt:    e.now().UTC().Format(time.RFC3339),
	})
}

func (e Engine) loadState(ctx context.Context, runID string) (*pipeline.State, error) {
	cp, err := e.Repo.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for run %s: %w", runID, err)
	}
	var state pipeline.State
	if err := json.Unmarshal([]byte(cp.SnapshotJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint for run %s: %w", runID, err)
	}
	if state.Values == nil {
		state.Values = map[string]any{}
	}
	if state.Approvals == nil {
		state.Approvals = map[string]pipeline.Approval{}
	}
	return &state, nil
}

// AppendArtifact records an audit artifact outside the step loop, e.g. the
// gate controller's approval record.
func (e Engine) AppendArtifact(ctx context.Context, a domain.Artifact, actorID string) (domain.Artifact, error) {
	run, err := e.Repo.GetRun(ctx, a.RunID)
	if err != nil {
		return a, err
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.added", run.ProjectID, "artifact", a.ID, actorID, events.Payload{"type": a.Type, "run_id": a.RunID}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// UpdateResult replaces the run's externally visible result block.
func (e Engine) UpdateResult(ctx context.Context, runID, resultJSON string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.ResultJSON = &resultJSON
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

type artifactOpts struct {
	URL      string
	Provider string
	Stage    string
	Metadata map[string]any
}

func (e Engine) writeArtifact(ctx context.Context, tx *sql.Tx, runID, artifactType string, opts artifactOpts) error {
	metadataJSON := ""
	if len(opts.Metadata) > 0 {
		data, err := json.Marshal(opts.Metadata)
		if err != nil {
			return fmt.Errorf("marshal artifact metadata: %w", err)
		}
		metadataJSON = string(data)
	}
	return e.Repo.InsertArtifact(ctx, tx, domain.Artifact{
		ID:           ulid.Make().String(),
		RunID:        runID,
		Type:         artifactType,
		URL:          opts.URL,
		Provider:     opts.Provider,
		Stage:        opts.Stage,
		MetadataJSON: metadataJSON,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	})
}

func approvalFrom(resume map[string]any, gate string, now time.Time) *pipeline.Approval {
	if resume == nil {
		return nil
	}
	approved, _ := resume["approved"].(bool)
	if !approved {
		return nil
	}
	if g, ok := resume["gate"].(string); ok && g != "" && g != gate {
		return nil
	}
	ap := pipeline.Approval{At: now.UTC().Format(time.RFC3339)}
	if approver, ok := resume["approver"].(string); ok {
		ap.Approver = approver
	}
	if meta, ok := resume["metadata"].(map[string]any); ok {
		ap.Metadata = meta
	}
	return &ap
}

// applyCallbackPayload merges provider-delivered data into run state under
// the suspended stage's result key so re-executing the stage completes it.
func applyCallbackPayload(state *pipeline.State, stageName string, payload map[string]any) {
	if result, ok := payload["result"]; ok {
		state.Values[stageName+".result"] = result
		return
	}
	state.Values[stageName+".result"] = payload
}
