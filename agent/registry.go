package agent

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/convomesh/core"
)

// Factory creates a stage instance.
type Factory func(optFns ...func(o *StageOptions)) core.Stage

// Registry maps stage names to factories so workflows can be assembled
// from configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry holding every built-in stage.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	builtins := map[string]Factory{
		StageCompliance:  func(o ...func(*StageOptions)) core.Stage { return NewComplianceStage(o...) },
		StageSentiment:   func(o ...func(*StageOptions)) core.Stage { return NewSentimentStage(o...) },
		StageIntent:      func(o ...func(*StageOptions)) core.Stage { return NewIntentStage(o...) },
		StageStrategy:    func(o ...func(*StageOptions)) core.Stage { return NewStrategyStage(o...) },
		StageGeneration:  func(o ...func(*StageOptions)) core.Stage { return NewGenerationStage(o...) },
		StageSuggestion:  func(o ...func(*StageOptions)) core.Stage { return NewSuggestionStage(o...) },
		StageProduct:     func(o ...func(*StageOptions)) core.Stage { return NewProductStage(o...) },
		StageMemoryWrite: func(o ...func(*StageOptions)) core.Stage { return NewMemoryWriteStage(o...) },
	}
	for name, f := range builtins {
		r.factories[name] = f
	}
	return r
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register stage: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("stage %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New creates the stage registered under name.
func (r *Registry) New(name string, optFns ...func(o *StageOptions)) (core.Stage, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.CodeWorkflowInvalid, fmt.Sprintf("no implementation for stage %q", name), nil)
	}
	return f(optFns...), nil
}

// Resolve creates the stage registered under name with default options.
func (r *Registry) Resolve(name string) (core.Stage, error) { return r.New(name) }

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists the registered stage names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
