package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/convomesh/core"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Callbacks provide a flexible mechanism for hooking into the orchestration
// loop without modifying core logic. Each type represents a specific point in
// the life of a run where custom logic can be injected.
//
// Available callback types:
//   - BeforeStage/AfterStage: around one stage execution
//   - OnShortCircuit: when a stage halts the workflow deliberately
//   - OnError: when a fail-closed stage fails the run
//
// Callbacks are executed synchronously. An error from a BeforeStage or
// AfterStage callback fails the run; errors from the notification types
// (OnShortCircuit, OnError) are logged.
type CallbackType string

const (
	// CallbackBeforeStage is triggered before a stage builds its request.
	// Use for validation, instrumentation or request gating.
	CallbackBeforeStage CallbackType = "before_stage"

	// CallbackAfterStage is triggered after a stage result is produced and
	// before it is merged. Use for auditing or result validation.
	CallbackAfterStage CallbackType = "after_stage"

	// CallbackOnShortCircuit is triggered once when a stage halts the workflow.
	CallbackOnShortCircuit CallbackType = "on_short_circuit"

	// CallbackOnError is triggered when a fail-closed stage fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides context information for callback execution.
type CallbackContext struct {
	// Run is a snapshot of the run being executed.
	Run *core.Run

	// Workflow is the name of the executing workflow.
	Workflow string

	// Stage identifies the stage associated with this callback.
	Stage string

	// Result is the stage result for AfterStage, OnShortCircuit and OnError.
	Result *core.StageResult

	// Err is the stage error for OnError.
	Err error

	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for execution lifecycle hooks.
//
// Implementations should be fast, since callbacks run on the orchestration
// path, and safe for concurrent use: callbacks of parallel stages run
// concurrently.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackAfterStage,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("stage %s finished: %s", cc.Stage, cc.Result.Status)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager orchestrates callback execution throughout a run.
//
// Callbacks are executed in registration order, and any callback returning
// an error stops execution of the subsequent callbacks of that type.
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new, empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback to the manager for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(loggingCallback)
//	manager.RegisterCallback(NewResultValidationCallback(validate))
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type
// and returns the first error. A nil manager executes nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle events to a logging function.
//
// Example:
//
//	logger := func(message string) {
//	    log.Printf("[ENGINE] %s", message)
//	}
//	callback := NewLoggingCallback(CallbackAfterStage, logger)
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event with run, stage and status.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	status := "-"
	if callbackCtx.Result != nil {
		status = string(callbackCtx.Result.Status)
	}
	runID := ""
	if callbackCtx.Run != nil {
		runID = callbackCtx.Run.ID
	}
	c.logger(fmt.Sprintf("[%s] run=%s workflow=%s stage=%s status=%s",
		c.callbackType, runID, callbackCtx.Workflow, callbackCtx.Stage, status))
	return nil
}

// ResultValidationCallback validates the context delta a stage contributes
// before it is merged into the run state.
//
// Example:
//
//	validator := func(stage string, delta map[string]any) error {
//	    if v, ok := delta["intent"]; ok && v == "" {
//	        return errors.New("intent cannot be empty")
//	    }
//	    return nil
//	}
//	callback := NewResultValidationCallback(validator)
type ResultValidationCallback struct {
	validator func(stage string, delta map[string]any) error
}

// NewResultValidationCallback creates a new result validation callback.
func NewResultValidationCallback(validator func(stage string, delta map[string]any) error) *ResultValidationCallback {
	return &ResultValidationCallback{
		validator: validator,
	}
}

// Type returns the callback type (always CallbackAfterStage).
func (c *ResultValidationCallback) Type() CallbackType {
	return CallbackAfterStage
}

// Execute validates the context delta of ok results.
func (c *ResultValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	res := callbackCtx.Result
	if c.validator == nil || res == nil || res.Status != core.StageStatusOK || len(res.Context) == 0 {
		return nil
	}
	return c.validator(callbackCtx.Stage, res.Context)
}
