package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/convomesh/core"
)

// InMemoryStore is a volatile thread and run store keeping records in
// process local maps. It is safe for concurrent access. Stored values are
// cloned on the way in and on the way out.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*core.Thread
	runs    map[string]*core.Run
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads: make(map[string]*core.Thread),
		runs:    make(map[string]*core.Run),
	}
}

// CreateThread stores a new thread. Thread IDs are unique.
func (s *InMemoryStore) CreateThread(_ context.Context, t *core.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return core.NewError(core.CodeInvalidRequest, fmt.Sprintf("thread %s already exists", t.ID), nil)
	}
	s.threads[t.ID] = t.Clone()
	return nil
}

// GetThread returns a clone of the thread.
func (s *InMemoryStore) GetThread(_ context.Context, id string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, threadNotFound(id)
	}
	return t.Clone(), nil
}

// MergeThreadMetadata merges delta into the stored thread and returns the result.
func (s *InMemoryStore) MergeThreadMetadata(_ context.Context, id string, delta map[string]any) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, threadNotFound(id)
	}
	t.MergeMetadata(delta)
	return t.Clone(), nil
}

// CreateRun stores a new run.
func (s *InMemoryStore) CreateRun(_ context.Context, r *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return core.NewError(core.CodeInvalidRequest, fmt.Sprintf("run %s already exists", r.ID), nil)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// GetRun returns a clone of the run.
func (s *InMemoryStore) GetRun(_ context.Context, id string) (*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, runNotFound(id)
	}
	return r.Clone(), nil
}

// UpdateRun replaces the stored run.
func (s *InMemoryStore) UpdateRun(_ context.Context, r *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return runNotFound(r.ID)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// ListRuns returns the runs of a thread oldest first.
func (s *InMemoryStore) ListRuns(_ context.Context, threadID string) ([]*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Run
	for _, r := range s.runs {
		if r.ThreadID == threadID {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *core.Run) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func threadNotFound(id string) error {
	return fmt.Errorf("thread %s: %w", id, core.ErrNotFound)
}

func runNotFound(id string) error {
	return fmt.Errorf("run %s: %w", id, core.ErrNotFound)
}

var (
	_ core.ThreadStore = (*InMemoryStore)(nil)
	_ core.RunStore    = (*InMemoryStore)(nil)
)
