// Package model defines the provider agnostic abstractions for talking to
// remote language models.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Isolate vendor SDK shaping in adapter sub packages (openai, anthropic,
//     gemini, compat) so stages never inline provider specifics
//   - Facilitate lightweight mocking for tests (MockModel)
package model
