package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hupe1980/convomesh/core"
)

var (
	// ErrRateLimited is returned when a provider's local budget is exhausted.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrCircuitOpen is returned when a provider's breaker rejects the call.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrNoProvider is returned when no registered provider is eligible.
	ErrNoProvider = errors.New("no eligible provider")
	// ErrUnknownProvider is returned for keys that are not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ErrorKind classifies provider errors.
type ErrorKind int

const (
	// Permanent errors are not retried against the same candidate.
	Permanent ErrorKind = iota
	// Transient errors are retried and count towards the circuit breaker.
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is a provider attempt failure.
type Error struct {
	Key  Key
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailoverError is returned when every candidate failed.
type FailoverError struct {
	StageType string
	Attempts  int
	Last      error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("all providers failed for %s after %d attempts: %v", e.StageType, e.Attempts, e.Last)
}

func (e *FailoverError) Unwrap() error { return e.Last }

// Is matches core.ErrProviderExhausted.
func (e *FailoverError) Is(target error) bool {
	var ce *core.Error
	return errors.As(target, &ce) && ce.Code == core.CodeProviderExhausted
}

// IsTransient reports whether err is worth retrying or failing over.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	return Classify(err) == Transient
}

// Classify maps a raw error to an ErrorKind. Timeouts, local and remote rate
// limiting, network failures and 5xx style messages are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	switch reason(err) {
	case "timeout", "rate_limit", "server_error", "unavailable":
		return Transient
	default:
		return Permanent
	}
}

// reason inspects the error text the way vendor SDK errors surface status codes.
func reason(err error) string {
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return "timeout"
	case strings.Contains(s, "rate limit") || strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "too many requests") || strings.Contains(s, "429"):
		return "rate_limit"
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "invalid api key") ||
		strings.Contains(s, "401") || strings.Contains(s, "403"):
		return "auth"
	case strings.Contains(s, "overloaded") || strings.Contains(s, "unavailable") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "eof"):
		return "unavailable"
	case strings.Contains(s, "internal server") || strings.Contains(s, "server error") ||
		strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") || strings.Contains(s, "529"):
		return "server_error"
	case strings.Contains(s, "invalid") || strings.Contains(s, "bad request") || strings.Contains(s, "400"):
		return "invalid_request"
	default:
		return "unknown"
	}
}
