package provider

import (
	"sync"
	"time"
)

// latencyEWMA tracks an exponentially weighted moving average of call latency.
type latencyEWMA struct {
	mu       sync.Mutex
	alpha    float64
	value    float64
	observed bool
}

func newLatencyEWMA(alpha float64) *latencyEWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &latencyEWMA{alpha: alpha}
}

func (l *latencyEWMA) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.observed {
		l.value = float64(d)
		l.observed = true
		return
	}
	l.value = l.alpha*float64(d) + (1-l.alpha)*l.value
}

func (l *latencyEWMA) get() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Duration(l.value), l.observed
}
