package core

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransition reports whether from -> to is a legal run transition:
// queued -> running -> {succeeded, failed, cancelled}, plus queued -> {failed, cancelled}.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusQueued:
		return to == RunStatusRunning || to == RunStatusFailed || to == RunStatusCancelled
	case RunStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// Mode selects how Submit executes a run.
type Mode string

const (
	// ModeWait blocks until the run is terminal or the max wait elapses.
	ModeWait Mode = "wait"
	// ModeAsync enqueues the run and returns immediately.
	ModeAsync Mode = "async"
)

// Run is one execution of a workflow for one inbound message on a thread.
type Run struct {
	ID         string       `json:"id"`
	ThreadID   string       `json:"thread_id"`
	TenantID   string       `json:"tenant_id"`
	Workflow   string       `json:"workflow"`
	Input      string       `json:"input"`
	Status     RunStatus    `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Result     *RunResult   `json:"result,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// RunResult is the structured payload returned to response formatting.
type RunResult struct {
	// Response is the customer facing text composed from terminal stages.
	Response string `json:"response"`
	// Rejected is set when a stage deliberately short-circuited the workflow.
	Rejected bool `json:"rejected,omitempty"`
	// Partial is set when not every stage produced a result.
	Partial bool `json:"partial,omitempty"`
	// Outputs holds the raw output of each terminal stage keyed by stage name.
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
	// Stages lists every stage result in merge order.
	Stages []StageResult `json:"stages"`
	// Cost sums the cost estimates of all stages.
	Cost float64 `json:"cost"`
}

// NewRun creates a queued run.
func NewRun(thread *Thread, workflow, input string) *Run {
	return &Run{
		ID:        NewID(),
		ThreadID:  thread.ID,
		TenantID:  thread.TenantID,
		Workflow:  workflow,
		Input:     input,
		Status:    RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy. Snapshots handed to callers are always clones.
func (r *Run) Clone() *Run {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Result != nil {
		c.Result = r.Result.Clone()
	}
	return &c
}

// Clone returns a deep copy of the result.
func (r *RunResult) Clone() *RunResult {
	c := *r
	if r.Outputs != nil {
		c.Outputs = make(map[string]json.RawMessage, len(r.Outputs))
		for k, v := range r.Outputs {
			c.Outputs[k] = append(json.RawMessage(nil), v...)
		}
	}
	c.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		c.Stages[i] = s.Clone()
	}
	return &c
}

// Stage returns the result for name, if present.
func (r *RunResult) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// RunStore persists runs for status polling and audit.
type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, threadID string) ([]*Run, error)
}
