// Package core provides the foundational domain types and contracts used by
// convomesh. It defines the abstractions for:
//
//   - Threads and Runs (durable conversation identity and one workflow execution)
//   - ThreadState (per-run, ephemeral accumulation of stage results)
//   - Stages (named pipeline steps that build one model request and parse its result)
//   - Memory records, documents and the short/long-term/vector store ports
//   - Events (run lifecycle and cost estimates streamed to external collaborators)
//   - Stable error codes surfaced on Run records
//
// The package keeps implementation concerns (persistence, provider routing,
// orchestration) out of scope, exposing small interfaces so backends can be
// swapped without touching stage logic.
package core
