package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine readable error category surfaced on Run records.
type ErrorCode string

const (
	CodeWorkflowInvalid   ErrorCode = "workflow_invalid"
	CodeStageFailed       ErrorCode = "stage_failed"
	CodeContentRejected   ErrorCode = "content_rejected"
	CodeProviderExhausted ErrorCode = "provider_exhausted"
	CodeMemoryUnavailable ErrorCode = "memory_unavailable"
	CodeRunTimeout        ErrorCode = "run_timeout"
	CodeRunCancelled      ErrorCode = "run_cancelled"
	CodeBudgetExceeded    ErrorCode = "budget_exceeded"
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidRequest    ErrorCode = "invalid_request"
	CodeInternal          ErrorCode = "internal"
)

// Error is a coded error. Two *Error values match under errors.Is when their
// codes are equal, so the sentinels below can be used as categories.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewError creates a coded error wrapping an optional cause.
func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinel categories.
var (
	ErrWorkflowInvalid   = &Error{Code: CodeWorkflowInvalid, Message: "workflow invalid"}
	ErrStageFailed       = &Error{Code: CodeStageFailed, Message: "stage failed"}
	ErrContentRejected   = &Error{Code: CodeContentRejected, Message: "content rejected"}
	ErrProviderExhausted = &Error{Code: CodeProviderExhausted, Message: "all providers failed"}
	ErrMemoryUnavailable = &Error{Code: CodeMemoryUnavailable, Message: "memory store unavailable"}
	ErrRunTimeout        = &Error{Code: CodeRunTimeout, Message: "run exceeded its time budget"}
	ErrRunCancelled      = &Error{Code: CodeRunCancelled, Message: "run cancelled"}
	ErrBudgetExceeded    = &Error{Code: CodeBudgetExceeded, Message: "model call budget exceeded"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// ErrorDetail is the user visible failure description attached to runs and
// stage results: a stable code plus human readable detail.
type ErrorDetail struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail"`
}

// DetailOf maps any error to an ErrorDetail. Only messages of coded errors are
// exposed; anything else collapses to a generic internal error so provider
// specific text never leaks to callers.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return &ErrorDetail{Code: ce.Code, Detail: ce.Message}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorDetail{Code: CodeRunTimeout, Detail: ErrRunTimeout.Message}
	case errors.Is(err, context.Canceled):
		return &ErrorDetail{Code: CodeRunCancelled, Detail: ErrRunCancelled.Message}
	}

	return &ErrorDetail{Code: CodeInternal, Detail: "internal error"}
}

// CodeOf returns the ErrorCode for err, or "" for nil.
func CodeOf(err error) ErrorCode {
	if d := DetailOf(err); d != nil {
		return d.Code
	}
	return ""
}
