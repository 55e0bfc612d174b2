// Package runner implements the run controller.
//
// The Runner owns the lifecycle of every Run: it records the run, hands it to
// a bounded worker pool, drives the engine, applies the terminal status and
// persists the conversation turns around the execution.
//
// # Lifecycle
//
//	queued -> running -> succeeded | failed | cancelled
//	queued -> failed | cancelled
//
// Every status change goes through core.CanTransition, so a late engine result
// can never overwrite a run that was already cancelled or timed out.
//
// # Modes
//
// Submit in core.ModeWait blocks until the run is terminal or MaxWait elapses,
// whichever comes first, and returns the current snapshot. The run keeps going
// in the background after MaxWait. core.ModeAsync returns the queued snapshot
// immediately.
//
// # Budgets and cancellation
//
// A run that outlives RunBudget is marked failed with run_timeout. Neither the
// budget nor Cancel interrupts provider calls already in flight: both signal
// the engine to stop scheduling, and whatever the engine returns afterwards is
// discarded when the run is already terminal.
package runner
