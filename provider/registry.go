package provider

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/model"
)

// Candidate is a descriptor together with its live routing signals.
type Candidate struct {
	Descriptor Descriptor
	Latency    time.Duration
	Observed   bool
	// Index is the registration order, the final deterministic tie breaker.
	Index int
}

// Scorer orders eligible candidates. It is the extension point for adaptive routing.
type Scorer interface {
	Less(a, b Candidate) bool
}

// LatencyScorer prefers the lowest observed latency, breaking ties by
// priority. Providers with no observations rank behind observed ones.
type LatencyScorer struct{}

// Less implements Scorer.
func (LatencyScorer) Less(a, b Candidate) bool {
	la, lb := effectiveLatency(a), effectiveLatency(b)
	if la != lb {
		return la < lb
	}
	if a.Descriptor.Priority != b.Descriptor.Priority {
		return a.Descriptor.Priority < b.Descriptor.Priority
	}
	return a.Index < b.Index
}

func effectiveLatency(c Candidate) time.Duration {
	if !c.Observed {
		return time.Duration(math.MaxInt64)
	}
	return c.Latency
}

// PriorityScorer ignores latency and orders by static priority.
type PriorityScorer struct{}

// Less implements Scorer.
func (PriorityScorer) Less(a, b Candidate) bool {
	if a.Descriptor.Priority != b.Descriptor.Priority {
		return a.Descriptor.Priority < b.Descriptor.Priority
	}
	return a.Index < b.Index
}

// ModelFactory builds the adapter for a descriptor during Reload.
type ModelFactory func(d Descriptor) (model.Model, error)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Breaker BreakerConfig
	Scorer  Scorer
	// LatencyAlpha is the EWMA smoothing factor in (0, 1].
	LatencyAlpha float64
	Logger       logging.Logger
	// Now is the clock used by breakers and limiters.
	Now func() time.Time
	// OnBreakerTransition observes every breaker transition.
	OnBreakerTransition func(key Key, from, to BreakerState, cooldown time.Duration)
}

// entry is the partition for one key. Its fields carry their own locks.
type entry struct {
	desc    Descriptor
	model   model.Model
	breaker *CircuitBreaker
	limiter *Limiter
	latency *latencyEWMA
	index   int
}

// Registry holds descriptors and live per-key state. The registry mutex only
// guards membership; the hot path copies entry pointers under a read lock and
// all state updates happen on the per-key structures.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	seq     int
	opts    RegistryOptions
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Breaker:      DefaultBreakerConfig(),
		Scorer:       LatencyScorer{},
		LatencyAlpha: 0.3,
		Logger:       logging.NoOpLogger{},
		Now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{entries: map[Key]*entry{}, opts: opts}
}

// Register adds a descriptor backed by m.
func (r *Registry) Register(d Descriptor, m model.Model) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("provider %s: nil model", d.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Key()]; exists {
		return fmt.Errorf("provider %s already registered", d.Key())
	}
	r.entries[d.Key()] = r.newEntry(d, m)
	return nil
}

// must be called with the write lock held.
func (r *Registry) newEntry(d Descriptor, m model.Model) *entry {
	key := d.Key()
	b := NewCircuitBreaker(r.opts.Breaker, r.opts.Now)
	b.OnTransition(func(from, to BreakerState, cooldown time.Duration) {
		r.opts.Logger.Warn("circuit breaker transition", "provider", string(key), "from", string(from), "to", string(to), "cooldown", cooldown)
		if r.opts.OnBreakerTransition != nil {
			r.opts.OnBreakerTransition(key, from, to, cooldown)
		}
	})
	e := &entry{
		desc:    d,
		model:   m,
		breaker: b,
		limiter: NewLimiter(d.RateLimit, r.opts.Now),
		latency: newLatencyEWMA(r.opts.LatencyAlpha),
		index:   r.seq,
	}
	r.seq++
	return e
}

// Reload replaces the descriptor set. Keys present before and after keep
// their breaker and latency state; the limiter is rebuilt only when the rate
// limit changed. New keys get adapters from factory.
func (r *Registry) Reload(descs []Descriptor, factory ModelFactory) error {
	seen := map[Key]bool{}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Key()] {
			return fmt.Errorf("duplicate provider %s", d.Key())
		}
		seen[d.Key()] = true
	}

	r.mu.RLock()
	var missing []Descriptor
	for _, d := range descs {
		if _, ok := r.entries[d.Key()]; !ok {
			missing = append(missing, d)
		}
	}
	r.mu.RUnlock()

	built := make(map[Key]model.Model, len(missing))
	for _, d := range missing {
		if factory == nil {
			return fmt.Errorf("provider %s: no factory to build new adapter", d.Key())
		}
		m, err := factory(d)
		if err != nil {
			return fmt.Errorf("provider %s: %w", d.Key(), err)
		}
		built[d.Key()] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[Key]*entry, len(descs))
	for _, d := range descs {
		key := d.Key()
		if old, ok := r.entries[key]; ok {
			updated := *old
			updated.desc = d
			if old.desc.RateLimit != d.RateLimit {
				updated.limiter = NewLimiter(d.RateLimit, r.opts.Now)
			}
			next[key] = &updated
			continue
		}
		m, ok := built[key]
		if !ok {
			// registered concurrently between the two phases
			return fmt.Errorf("provider %s changed during reload", key)
		}
		next[key] = r.newEntry(d, m)
	}
	r.entries = next
	r.opts.Logger.Info("provider registry reloaded", "providers", len(next))
	return nil
}

func (r *Registry) lookup(key Key) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the descriptor for key.
func (r *Registry) Get(key Key) (Descriptor, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Candidates returns the eligible descriptors for stageType in selection
// order. Providers whose breaker is open are excluded.
func (r *Registry) Candidates(stageType string, c Constraints) []Descriptor {
	var eligible []Candidate
	for _, e := range r.snapshotEntries() {
		if !e.desc.Supports(stageType, c) || !e.breaker.Available() {
			continue
		}
		lat, observed := e.latency.get()
		eligible = append(eligible, Candidate{Descriptor: e.desc, Latency: lat, Observed: observed, Index: e.index})
	}

	scorer := r.opts.Scorer
	sort.SliceStable(eligible, func(i, j int) bool { return scorer.Less(eligible[i], eligible[j]) })

	out := make([]Descriptor, len(eligible))
	for i, c := range eligible {
		out[i] = c.Descriptor
	}
	return out
}

// SelectProvider returns the preferred eligible descriptor.
func (r *Registry) SelectProvider(stageType string, c Constraints) (Descriptor, error) {
	cands := r.Candidates(stageType, c)
	if len(cands) == 0 {
		return Descriptor{}, fmt.Errorf("%w for stage type %q", ErrNoProvider, stageType)
	}
	return cands[0], nil
}

// Status is the observable state of one key.
type Status struct {
	Descriptor Descriptor      `json:"descriptor"`
	Breaker    BreakerSnapshot `json:"breaker"`
	Latency    time.Duration   `json:"latency"`
	Observed   bool            `json:"observed"`
}

// Snapshot returns the status of every key ordered by key.
func (r *Registry) Snapshot() []Status {
	entries := r.snapshotEntries()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		lat, observed := e.latency.get()
		out = append(out, Status{Descriptor: e.desc, Breaker: e.breaker.Snapshot(), Latency: lat, Observed: observed})
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Descriptor.Key(), b.Descriptor.Key()) })
	return out
}

// Breaker returns the breaker snapshot for key.
func (r *Registry) Breaker(key Key) (BreakerSnapshot, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return BreakerSnapshot{}, false
	}
	return e.breaker.Snapshot(), true
}
