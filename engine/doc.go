// Package engine implements the workflow orchestrator for convomesh.
//
// The Engine executes one compiled workflow (see package flow) for one run.
// It owns the per-run ThreadState and drives it from an empty state to a
// sealed one, delegating every provider call to the agent runtime, which in
// turn routes through the provider failover executor.
//
// # Scheduling
//
// Execution proceeds in waves. Each wave computes the ready set (stages whose
// dependencies all have a merged result), executes those stages concurrently
// against one immutable StateView, and merges their results in declaration
// order at a barrier. Dependents are released only by the next wave, so a
// stage's request is never built before every upstream result is merged:
//
//	wave 1:  compliance ─┐   sentiment ─┐
//	                     ▼              │
//	wave 2:            intent           │
//	                     ▼              ▼
//	wave 3:             strategy ◄──────┘
//	                     ▼
//	wave 4:          generation
//	                  ▼       ▼       ▼
//	wave 5:   suggestion  product  memory-write
//
// Stages without an edge between them may run in any interleaving and must
// not rely on each other's results.
//
// # Halting
//
// After every merge the engine checks three conditions, in this order:
//   - a fail-closed stage failed: the run fails with the stage's error code
//   - a short-circuiting stage asked to halt: the run succeeds with a
//     rejected, partial result and the configured blocked response
//   - the run was stopped or its context ended: the run is cancelled or
//     timed out
//
// In every case the remaining stages are merged as skipped and the state is
// sealed, so the result always lists each stage of the workflow exactly once.
//
// # Memory
//
// The engine reads one memory snapshot before the first wave and hands the
// same snapshot to every stage, which keeps stage requests reproducible. A
// short-term failure degrades the snapshot instead of failing the run;
// stages that require memory fail on their own policy. Long-term writes
// requested by stages are applied only after the run succeeded.
//
// # Observability
//
// Each run gets a "workflow" span, each stage a child "stage" span. Stage
// outcomes are counted in metrics and published as stage.completed events.
// Callbacks (see CallbackManager) hook into the loop before and after every
// stage and on short-circuits and failures.
//
// # Example
//
//	wf := flow.MustCompile(flow.Chat(), agent.DefaultRegistry())
//	eng := engine.New(executor, func(o *engine.Options) { o.Memory = manager })
//
//	res, err := eng.Execute(ctx, engine.Request{Workflow: wf, Run: run})
//	if err != nil {
//	    // core.DetailOf(err) is safe to show to callers
//	}
//	fmt.Println(res.Response)
package engine
