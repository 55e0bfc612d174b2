package provider

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Window bounds how far apart the counted failures may be.
	Window time.Duration `yaml:"window" json:"window"`
	// Cooldown is the initial open period.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// MaxCooldown caps the doubling applied when a trial call fails.
	MaxCooldown time.Duration `yaml:"max_cooldown" json:"max_cooldown"`
}

// DefaultBreakerConfig returns 5 failures within 1m, 30s cooldown capped at 5m.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second, MaxCooldown: 5 * time.Minute}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	return c
}

// BreakerSnapshot is a point in time copy of breaker state.
type BreakerSnapshot struct {
	State          BreakerState  `json:"state"`
	Failures       int           `json:"failures"`
	LastTransition time.Time     `json:"last_transition"`
	Cooldown       time.Duration `json:"cooldown"`
}

// CircuitBreaker is a per-key failure tracking state machine.
//
//	closed --K failures in window--> open --cooldown--> half-open
//	half-open --success--> closed (cooldown reset)
//	half-open --failure--> open (cooldown doubled, capped)
//
// Half-open admits exactly one trial call at a time.
type CircuitBreaker struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	now            func() time.Time
	state          BreakerState
	failures       []time.Time
	lastTransition time.Time
	cooldown       time.Duration
	trialInFlight  bool
	onTransition   func(from, to BreakerState, cooldown time.Duration)
}

// NewCircuitBreaker creates a closed breaker. now may be nil.
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	return &CircuitBreaker{cfg: cfg, now: now, state: StateClosed, cooldown: cfg.Cooldown, lastTransition: now()}
}

// OnTransition registers a callback invoked (outside the lock) on every transition.
func (b *CircuitBreaker) OnTransition(fn func(from, to BreakerState, cooldown time.Duration)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Available reports whether selection may consider this key: closed, open
// with elapsed cooldown, or half-open without a trial in flight.
func (b *CircuitBreaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !b.now().Before(b.lastTransition.Add(b.cooldown))
	default:
		return !b.trialInFlight
	}
}

// Allow asks for permission to call. An open breaker whose cooldown elapsed
// moves to half-open and grants the single trial.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()

	var notify func()
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(b.lastTransition.Add(b.cooldown)) {
			notify = b.transition(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess closes the breaker and clears failures.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()

	var notify func()
	b.failures = b.failures[:0]
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.cooldown = b.cfg.Cooldown
		notify = b.transition(StateClosed)
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure counts a transient failure and opens the breaker when the
// threshold is reached. A failed trial reopens with a doubled cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()

	var notify func()
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		notify = b.transition(StateOpen)
	case StateClosed:
		cutoff := now.Add(-b.cfg.Window)
		kept := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= b.cfg.Threshold {
			notify = b.transition(StateOpen)
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Release returns a granted permit without an outcome, e.g. when the call
// was rejected locally before reaching the provider.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// Snapshot returns the current state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{State: b.state, Failures: len(b.failures), LastTransition: b.lastTransition, Cooldown: b.cooldown}
}

// transition must be called with the lock held. It returns the notification
// to run after unlocking.
func (b *CircuitBreaker) transition(to BreakerState) func() {
	from := b.state
	b.state = to
	b.lastTransition = b.now()
	fn, cooldown := b.onTransition, b.cooldown
	if fn == nil {
		return nil
	}
	return func() { fn(from, to, cooldown) }
}
