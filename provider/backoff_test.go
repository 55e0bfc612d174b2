package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	assert.Equal(t, 100*time.Millisecond, p.backoffWithRand(1, 0))
	assert.Equal(t, 200*time.Millisecond, p.backoffWithRand(2, 0))
	assert.Equal(t, 400*time.Millisecond, p.backoffWithRand(3, 0))
	assert.Equal(t, 150*time.Millisecond, p.backoffWithRand(1, 1))
	assert.Equal(t, time.Second, p.backoffWithRand(10, 0))
}

func TestRetryPolicy_BackoffWithinBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, p.Initial)
		assert.LessOrEqual(t, d, p.Max)
	}
}
