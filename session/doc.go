// Package session houses concrete implementations of core.ThreadStore and
// core.RunStore. The contracts live in core so that the runner and the
// façade never depend on a concrete backend.
//
// Three backends are provided:
//
//   - InMemoryStore: process local maps, the default for tests and demos
//   - SQLiteStore: a single database file through modernc.org/sqlite
//   - PostgresStore: a shared database through lib/pq
//
// Every backend returns clones (or freshly decoded values), so callers may
// mutate what they get back without touching stored state.
package session
