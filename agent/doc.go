// Package agent contains the pipeline stages and the runtime that executes
// them against the provider failover executor.
//
// A stage is a pair of pure functions, BuildRequest and ParseResult, plus
// declarations the orchestrator reads: dependencies, failure policy, whether
// it may short-circuit the workflow and which provider capabilities it needs.
// Embed BaseStage for the declarations and implement the two functions and a
// neutral Fallback.
//
// Built-in stages:
//   - compliance (fail-closed, may short-circuit)
//   - sentiment, intent, strategy (fail-open enrichment)
//   - generation (fail-closed, produces the customer-facing response)
//   - suggestion (fail-open follow-up suggestions)
//   - product (fail-open recommendations from long-term memory)
//   - memory-write (fail-open extraction of durable facts)
//
// Stages never call stores or providers directly. The Runtime performs the
// provider call and the orchestrator applies requested memory writes.
package agent
