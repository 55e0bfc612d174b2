package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewError(CodeNotFound, "run r1 not found", nil)
	wrapped := fmt.Errorf("lookup: %w", err)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrRunTimeout)
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(CodeMemoryUnavailable, "append turn", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "memory_unavailable")
}

func TestDetailOf(t *testing.T) {
	assert.Nil(t, DetailOf(nil))

	d := DetailOf(fmt.Errorf("x: %w", NewError(CodeStageFailed, "compliance failed", errors.New("raw provider text"))))
	assert.Equal(t, CodeStageFailed, d.Code)
	assert.Equal(t, "compliance failed", d.Detail)
	assert.NotContains(t, d.Detail, "raw provider text")

	assert.Equal(t, CodeRunTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeRunCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, "internal error", DetailOf(errors.New("secret")).Detail)
}
