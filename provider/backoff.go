package provider

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retries against a single candidate.
type RetryPolicy struct {
	// MaxAttempts per candidate, including the first call.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Initial is the first backoff delay.
	Initial time.Duration `yaml:"initial" json:"initial"`
	// Max caps the delay.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor is the exponential growth factor.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization factor in [0, 1].
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy tries each candidate twice with 100ms doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1}
}

// Backoff returns the delay before retry number attempt (1-based):
// min(Max, Initial*Factor^(attempt-1) * (1 + Jitter*rand)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.backoffWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p RetryPolicy) backoffWithRand(attempt int, r float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
