package pipeline

import (
	"context"
	"sync"
)

// State is the full run state carried between stages and serialized into
// the checkpoint row. Everything a resume needs must live here.
type State struct {
	RunID          string              `json:"run_id"`
	Project        string              `json:"project"`
	StageIndex     int                 `json:"stage_index"`
	Values         map[string]any      `json:"values"`
	PendingGate    string              `json:"pending_gate,omitempty"`
	RequestedGates map[string]bool     `json:"requested_gates,omitempty"`
	Approvals      map[string]Approval `json:"approvals,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Approval records who resolved a gate and when.
type Approval struct {
	Approver string         `json:"approver,omitempty"`
	At       string         `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewState builds an initial state with the caller-supplied input merged in.
func NewState(runID, project string, input map[string]any) *State {
	values := map[string]any{}
	for k, v := range input {
		values[k] = v
	}
	return &State{
		RunID:          runID,
		Project:        project,
		Values:         values,
		RequestedGates: map[string]bool{},
		Approvals:      map[string]Approval{},
	}
}

// GateRequested reports whether the pending-approval artifact for a gate
// was already emitted, so re-invoking a suspended run stays idempotent.
func (s *State) GateRequested(gate string) bool {
	return s.RequestedGates[gate]
}

func (s *State) MarkGateRequested(gate string) {
	if s.RequestedGates == nil {
		s.RequestedGates = map[string]bool{}
	}
	s.RequestedGates[gate] = true
}

// ResultKind discriminates the closed set of stage outcomes.
type ResultKind int

const (
	ContinueResult ResultKind = iota
	SuspendResult
	FailResult
)

// Suspension reasons.
const (
	SuspendGate     = "gate"
	SuspendCallback = "callback"
)

// Result is the outcome of executing one stage. Suspension is an ordinary
// return value, not an exception or panic.
type Result struct {
	Kind    ResultKind
	State   *State
	Reason  string
	Payload map[string]any
	Err     error
}

func Continue(s *State) Result {
	return Result{Kind: ContinueResult, State: s}
}

func Suspend(reason string, payload map[string]any) Result {
	return Result{Kind: SuspendResult, Reason: reason, Payload: payload}
}

func Fail(err error) Result {
	return Result{Kind: FailResult, Err: err}
}

// Stage is one unit of pipeline work.
type Stage interface {
	Execute(ctx context.Context, s *State) Result
}

// FuncStage adapts a plain function to Stage.
type FuncStage func(ctx context.Context, s *State) Result

func (f FuncStage) Execute(ctx context.Context, s *State) Result { return f(ctx, s) }

// Registry maps stage names to implementations. Resolution happens once at
// composition time, never per invocation.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

func NewRegistry() *Registry {
	return &Registry{stages: map[string]Stage{}}
}

func (r *Registry) Register(name string, s Stage) {
	r.mu.Lock()
	r.stages[name] = s
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}
