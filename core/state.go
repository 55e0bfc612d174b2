package core

import (
	"fmt"
	"slices"
	"sync"
)

// Well known context keys seeded by the runner.
const (
	ContextLanguage = "language"
	ContextTenant   = "tenant_id"
)

// ThreadState is the per-run accumulation of stage results. It is owned by
// one in-flight run and discarded once folded into the Run record.
//
// Stages never see a ThreadState directly. They receive a StateView taken at
// a merge barrier, so parallel siblings only observe post-merge state.
type ThreadState struct {
	mu           sync.RWMutex
	runID        string
	threadID     string
	tenantID     string
	input        string
	results      []StageResult
	index        map[string]int
	context      map[string]any
	shortCircuit string
	sealed       bool
}

// NewThreadState creates the state for run with an optional seed context.
func NewThreadState(run *Run, seed map[string]any) *ThreadState {
	ctx := make(map[string]any, len(seed)+1)
	for k, v := range seed {
		ctx[k] = v
	}
	ctx[ContextTenant] = run.TenantID
	return &ThreadState{
		runID:    run.ID,
		threadID: run.ThreadID,
		tenantID: run.TenantID,
		input:    run.Input,
		index:    map[string]int{},
		context:  ctx,
	}
}

// Merge appends a result and folds its context delta. A stage can be merged
// only once and nothing can be merged after Seal.
func (s *ThreadState) Merge(res StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("thread state sealed; cannot merge %s", res.Stage)
	}
	if _, ok := s.index[res.Stage]; ok {
		return fmt.Errorf("stage %s already merged", res.Stage)
	}

	s.index[res.Stage] = len(s.results)
	s.results = append(s.results, res.Clone())
	for k, v := range res.Context {
		s.context[k] = v
	}
	if res.ShortCircuit && s.shortCircuit == "" {
		s.shortCircuit = res.Stage
	}
	return nil
}

// ShortCircuited returns the stage that halted the workflow, if any.
func (s *ThreadState) ShortCircuited() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shortCircuit, s.shortCircuit != ""
}

// Has reports whether stage has a merged result.
func (s *ThreadState) Has(stage string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[stage]
	return ok
}

// Seal prevents further merges.
func (s *ThreadState) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Results returns a copy of the merged results in merge order.
func (s *ThreadState) Results() []StageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StageResult, len(s.results))
	for i, r := range s.results {
		out[i] = r.Clone()
	}
	return out
}

// View takes an immutable snapshot of the current state.
func (s *ThreadState) View() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := StateView{
		RunID:    s.runID,
		ThreadID: s.threadID,
		TenantID: s.tenantID,
		Input:    s.input,
		results:  make(map[string]StageResult, len(s.results)),
		order:    make([]string, 0, len(s.results)),
		context:  make(map[string]any, len(s.context)),
	}
	for _, r := range s.results {
		v.results[r.Stage] = r.Clone()
		v.order = append(v.order, r.Stage)
	}
	for k, val := range s.context {
		v.context[k] = val
	}
	return v
}

// StateView is a read-only snapshot of ThreadState handed to stages.
type StateView struct {
	RunID    string
	ThreadID string
	TenantID string
	Input    string
	results  map[string]StageResult
	order    []string
	context  map[string]any
}

// Result returns the merged result for stage.
func (v StateView) Result(stage string) (StageResult, bool) {
	r, ok := v.results[stage]
	return r, ok
}

// Output decodes the output of stage into dst. It returns false when the
// stage has no usable output (missing, skipped or failed).
func (v StateView) Output(stage string, dst any) bool {
	r, ok := v.results[stage]
	if !ok || r.Status != StageStatusOK {
		return false
	}
	return r.Decode(dst) == nil
}

// Stages lists merged stage names in merge order.
func (v StateView) Stages() []string { return append([]string(nil), v.order...) }

// Value returns a context value.
func (v StateView) Value(key string) (any, bool) {
	val, ok := v.context[key]
	return val, ok
}

// String returns a context value as string, or "" when absent.
func (v StateView) String(key string) string {
	if s, ok := v.context[key].(string); ok {
		return s
	}
	return ""
}

// MemorySnapshot is the conversational context handed to stages.
type MemorySnapshot struct {
	// Turns are the recent short-term records in chronological order.
	Turns []MemoryRecord
	// Documents are long-term hits relevant to the current input.
	Documents []MemoryDocument
	// Degraded is set when the short-term store could not be read.
	Degraded bool
}

// ContextKeys lists the context keys in sorted order.
func (v StateView) ContextKeys() []string {
	keys := make([]string, 0, len(v.context))
	for k := range v.context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
