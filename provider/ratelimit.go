package provider

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket sized from a RateLimit. A nil *Limiter allows everything.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mode       RateLimitMode
	maxWait    time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLimiter returns nil when rl disables limiting.
func NewLimiter(rl RateLimit, now func() time.Time) *Limiter {
	if rl.Requests <= 0 || rl.Window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = rl.Requests
	}
	return &Limiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rl.Requests) / rl.Window.Seconds(),
		lastRefill: now(),
		mode:       normalizeMode(rl.Mode),
		maxWait:    rl.MaxWait,
		now:        now,
		sleep:      sleepCtx,
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Acquire takes a token. In reject mode it fails immediately with
// ErrRateLimited; in block mode it waits up to maxWait first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.Allow() {
		return nil
	}
	if l.mode != RateLimitBlock || l.maxWait <= 0 {
		return ErrRateLimited
	}

	deadline := l.now().Add(l.maxWait)
	for {
		wait := l.WaitTime()
		if remaining := deadline.Sub(l.now()); wait > remaining {
			return ErrRateLimited
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		if l.Allow() {
			return nil
		}
	}
}

// WaitTime returns how long until a token is available.
func (l *Limiter) WaitTime() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		return 0
	}
	needed := 1 - l.tokens
	return time.Duration(needed / l.refillRate * float64(time.Second))
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	l.tokens = min(l.maxTokens, l.tokens+elapsed*l.refillRate)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
