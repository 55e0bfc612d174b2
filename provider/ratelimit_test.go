package provider

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter_DisabledIsNil(t *testing.T) {
	l := NewLimiter(RateLimit{}, nil)
	assert.Nil(t, l)
	assert.True(t, l.Allow())
	assert.NoError(t, l.Acquire(context.Background()))
	assert.Zero(t, l.WaitTime())
}

func TestLimiter_RejectMode(t *testing.T) {
	clock := testutil.NewClock()
	l := NewLimiter(RateLimit{Requests: 2, Window: time.Second}, clock.Now)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrRateLimited)

	clock.Advance(500 * time.Millisecond)
	assert.NoError(t, l.Acquire(context.Background()), "one token refilled")
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrRateLimited)
}

func TestLimiter_BlockModeWaitsForToken(t *testing.T) {
	clock := testutil.NewClock()
	l := NewLimiter(RateLimit{Requests: 1, Window: time.Second, Mode: RateLimitBlock, MaxWait: 2 * time.Second}, clock.Now)

	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		clock.Advance(d)
		return nil
	}

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, time.Second, slept)
}

func TestLimiter_BlockModeGivesUpAfterMaxWait(t *testing.T) {
	clock := testutil.NewClock()
	l := NewLimiter(RateLimit{Requests: 1, Window: time.Second, Mode: RateLimitBlock, MaxWait: 500 * time.Millisecond}, clock.Now)
	l.sleep = func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}

	require.NoError(t, l.Acquire(context.Background()))
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrRateLimited)
}

func TestLimiter_BlockModeHonorsContext(t *testing.T) {
	l := NewLimiter(RateLimit{Requests: 1, Window: time.Hour, Mode: RateLimitBlock, MaxWait: 2 * time.Hour}, nil)
	require.True(t, l.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.Canceled)
}

func TestLimiter_BurstCapsTokens(t *testing.T) {
	clock := testutil.NewClock()
	l := NewLimiter(RateLimit{Requests: 10, Window: time.Second, Burst: 2}, clock.Now)

	clock.Advance(time.Minute)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}
