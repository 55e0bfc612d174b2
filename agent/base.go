package agent

import (
	"slices"
	"time"

	"github.com/hupe1980/convomesh/core"
)

// StageOptions holds the declarations shared by all stages.
type StageOptions struct {
	// Kind is the stage type used for provider selection. Defaults to the name.
	Kind string
	// DependsOn lists stages whose results must be merged before this one runs.
	DependsOn      []string
	Policy         core.FailurePolicy
	ShortCircuit   bool
	RequiresMemory bool
	Capabilities   []string
	Timeout        time.Duration
	// Instruction overrides the built-in instruction template.
	Instruction Instruction
	// HistoryTurns bounds how many memory turns go into the request.
	HistoryTurns int
}

// BaseStage bundles the declarative half of core.Stage. Embed it in concrete
// stages and implement BuildRequest, ParseResult and Fallback.
type BaseStage struct {
	name string
	opts StageOptions
}

// NewBaseStage applies optFns over defaults (fail-open, 15s timeout).
func NewBaseStage(name string, optFns ...func(o *StageOptions)) BaseStage {
	opts := StageOptions{
		Kind:         name,
		Policy:       core.FailOpen,
		Timeout:      15 * time.Second,
		HistoryTurns: 10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return BaseStage{name: name, opts: opts}
}

// Name implements core.Stage.
func (b BaseStage) Name() string { return b.name }

// Kind implements core.Stage.
func (b BaseStage) Kind() string { return b.opts.Kind }

// DependsOn implements core.Stage.
func (b BaseStage) DependsOn() []string { return slices.Clone(b.opts.DependsOn) }

// Policy implements core.Stage.
func (b BaseStage) Policy() core.FailurePolicy { return b.opts.Policy }

// MayShortCircuit implements core.Stage.
func (b BaseStage) MayShortCircuit() bool { return b.opts.ShortCircuit }

// RequiresMemory implements core.Stage.
func (b BaseStage) RequiresMemory() bool { return b.opts.RequiresMemory }

// Capabilities implements core.Stage.
func (b BaseStage) Capabilities() []string { return slices.Clone(b.opts.Capabilities) }

// Timeout implements core.Stage.
func (b BaseStage) Timeout() time.Duration { return b.opts.Timeout }

// instruction returns the override when set, otherwise def.
func (b BaseStage) instruction(def string) Instruction {
	if b.opts.Instruction.IsZero() {
		return NewInstructionFromText(def)
	}
	return b.opts.Instruction
}

// WithDependsOn replaces the declared dependencies.
func WithDependsOn(stages ...string) func(o *StageOptions) {
	return func(o *StageOptions) { o.DependsOn = stages }
}

// WithPolicy overrides the failure policy.
func WithPolicy(p core.FailurePolicy) func(o *StageOptions) {
	return func(o *StageOptions) { o.Policy = p }
}

// WithTimeout overrides the per-attempt provider timeout.
func WithTimeout(d time.Duration) func(o *StageOptions) {
	return func(o *StageOptions) { o.Timeout = d }
}

// WithInstruction overrides the instruction template.
func WithInstruction(i Instruction) func(o *StageOptions) {
	return func(o *StageOptions) { o.Instruction = i }
}

// WithRequiresMemory makes short-term memory failures fail the stage.
func WithRequiresMemory() func(o *StageOptions) {
	return func(o *StageOptions) { o.RequiresMemory = true }
}
