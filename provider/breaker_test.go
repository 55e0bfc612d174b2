package provider

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestBreaker(clock *testutil.Clock) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second, MaxCooldown: 2 * time.Minute}, clock.Now)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.Snapshot().State)
	assert.False(t, b.Available())
	assert.False(t, b.Allow())
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Minute)
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func openBreaker(b *CircuitBreaker) {
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
}

func TestCircuitBreaker_HalfOpenSingleTrial(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)
	openBreaker(b)

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.True(t, b.Available())
	assert.True(t, b.Allow(), "first call after cooldown is the trial")
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	assert.False(t, b.Allow(), "only one trial may be in flight")
	assert.False(t, b.Available())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, 30*time.Second, b.Snapshot().Cooldown)
}

func TestCircuitBreaker_FailedTrialDoublesCooldownUpToCap(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)
	openBreaker(b)

	expected := []time.Duration{time.Minute, 2 * time.Minute, 2 * time.Minute}
	cooldown := 30 * time.Second
	for _, want := range expected {
		clock.Advance(cooldown)
		assert.True(t, b.Allow())
		b.RecordFailure()

		snap := b.Snapshot()
		assert.Equal(t, StateOpen, snap.State)
		assert.Equal(t, want, snap.Cooldown)
		cooldown = want
	}
}

func TestCircuitBreaker_ReleaseFreesTrial(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)
	openBreaker(b)
	clock.Advance(30 * time.Second)

	assert.True(t, b.Allow())
	b.Release()
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_ConcurrentTrialAdmitsOne(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)
	openBreaker(b)
	clock.Advance(30 * time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestCircuitBreaker_TransitionCallback(t *testing.T) {
	clock := testutil.NewClock()
	b := newTestBreaker(clock)

	var got []BreakerState
	b.OnTransition(func(_, to BreakerState, _ time.Duration) { got = append(got, to) })

	openBreaker(b)
	clock.Advance(30 * time.Second)
	b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []BreakerState{StateOpen, StateHalfOpen, StateClosed}, got)
}
