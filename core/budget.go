package core

import (
	"fmt"
	"maps"
	"sync"
)

// CallBudget caps the stage model calls a single run may start. A zero limit
// means unlimited. It is safe for the concurrent stages of one wave.
type CallBudget struct {
	mu      sync.Mutex
	limit   int
	used    int
	byStage map[string]int
}

// NewCallBudget creates a budget of limit calls.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: limit, byStage: map[string]int{}}
}

// Reserve charges one call to stage. Once the limit is reached it returns
// ErrBudgetExceeded and charges nothing.
func (b *CallBudget) Reserve(stage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit > 0 && b.used >= b.limit {
		return NewError(CodeBudgetExceeded, fmt.Sprintf("stage %s exceeds the run budget of %d model calls", stage, b.limit), nil)
	}
	b.used++
	b.byStage[stage]++
	return nil
}

// Used returns the number of reserved calls.
func (b *CallBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the calls left, or -1 when unlimited.
func (b *CallBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit == 0 {
		return -1
	}
	return b.limit - b.used
}

// ByStage returns a copy of the reservations per stage.
func (b *CallBudget) ByStage() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.byStage)
}
