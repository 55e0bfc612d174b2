package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/convomesh/model"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusSkipped StageStatus = "skipped"
	StageStatusFailed  StageStatus = "failed"
)

// FailurePolicy decides what a stage failure means for the run.
type FailurePolicy string

const (
	// FailOpen replaces a failed result with the stage's neutral fallback.
	FailOpen FailurePolicy = "fail-open"
	// FailClosed fails the run.
	FailClosed FailurePolicy = "fail-closed"
)

// CostEstimate describes the computed cost of one provider call.
type CostEstimate struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	Currency         string  `json:"currency"`
}

// MemoryWrite is a request from a stage to promote content into long-term
// memory. Stages never touch stores directly; the orchestrator applies writes
// once the result is merged.
type MemoryWrite struct {
	SubjectID string            `json:"subject_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StageResult is produced by exactly one stage invocation and never mutated afterwards.
type StageResult struct {
	Stage    string          `json:"stage"`
	Status   StageStatus     `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Latency  time.Duration   `json:"latency"`
	Attempts int             `json:"attempts,omitempty"`
	Cost     *CostEstimate   `json:"cost,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	// Fallback marks a neutral result substituted by a fail-open policy.
	Fallback bool `json:"fallback,omitempty"`
	// ShortCircuit requests that remaining stages are skipped.
	ShortCircuit bool `json:"short_circuit,omitempty"`
	// Context is merged into the run's accumulated context map.
	Context map[string]any `json:"context,omitempty"`
	// Memory lists long-term promotions requested by the stage.
	Memory []MemoryWrite `json:"memory,omitempty"`
}

// NewOutputResult builds an ok result with payload marshalled as JSON.
func NewOutputResult(stage string, payload any) (StageResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StageResult{}, fmt.Errorf("marshal %s output: %w", stage, err)
	}
	return StageResult{Stage: stage, Status: StageStatusOK, Output: raw}, nil
}

// SkippedResult marks a stage that never executed.
func SkippedResult(stage string) StageResult {
	return StageResult{Stage: stage, Status: StageStatusSkipped}
}

// Decode unmarshals the output payload into v.
func (r StageResult) Decode(v any) error {
	if len(r.Output) == 0 {
		return fmt.Errorf("stage %s has no output", r.Stage)
	}
	return json.Unmarshal(r.Output, v)
}

// Clone returns a deep copy.
func (r StageResult) Clone() StageResult {
	c := r
	if r.Output != nil {
		c.Output = append(json.RawMessage(nil), r.Output...)
	}
	if r.Cost != nil {
		cost := *r.Cost
		c.Cost = &cost
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Context != nil {
		c.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	if r.Memory != nil {
		c.Memory = append([]MemoryWrite(nil), r.Memory...)
	}
	return c
}

// Stage is one named pipeline step. BuildRequest and ParseResult must be
// pure: the same state view and memory snapshot always yield the same
// request, which keeps retries safe.
type Stage interface {
	// Name identifies the stage inside a workflow graph.
	Name() string
	// Kind is the stage type used for provider selection (e.g. "generation").
	Kind() string
	// DependsOn lists the stages whose merged results this stage reads.
	DependsOn() []string
	// Policy is the failure policy.
	Policy() FailurePolicy
	// MayShortCircuit reports whether the stage can halt the workflow.
	MayShortCircuit() bool
	// RequiresMemory reports whether a short-term memory failure fails the stage.
	RequiresMemory() bool
	// Capabilities lists provider capability tags the stage needs.
	Capabilities() []string
	// Timeout is the per-attempt provider timeout.
	Timeout() time.Duration

	BuildRequest(state StateView, mem MemorySnapshot) (model.Request, error)
	ParseResult(resp *model.Response) (StageResult, error)
	// Fallback returns the neutral result used by fail-open recovery.
	Fallback(state StateView) StageResult
}
