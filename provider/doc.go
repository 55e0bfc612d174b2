// Package provider implements the Provider Registry and Failover Executor.
//
// The Registry holds the configured provider descriptors together with live
// per-key state: a circuit breaker, a token bucket rate limiter and an
// exponentially weighted latency estimate. State is partitioned by
// (provider, model) key and each partition carries its own lock, so traffic
// to unrelated providers never serializes on a shared mutex.
//
// The Executor wraps a single logical model call with a per-attempt timeout,
// retry with backoff for transient errors and failover across an ordered
// candidate list. Every successful call emits a cost estimate event.
package provider
