package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/hupe1980/convomesh/model"
)

func desc(provider, modelID string, priority int) Descriptor {
	return Descriptor{ProviderID: provider, ModelID: modelID, Priority: priority}
}

func keys(ds []Descriptor) []Key {
	out := make([]Key, len(ds))
	for i, d := range ds {
		out[i] = d.Key()
	}
	return out
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("openai", "gpt-4o", 1), model.NewMockModel("gpt-4o", "openai")))
	assert.Error(t, r.Register(desc("openai", "gpt-4o", 2), model.NewMockModel("gpt-4o", "openai")))
	assert.Error(t, r.Register(desc("", "m", 0), model.NewMockModel("m", "")))
	assert.Error(t, r.Register(desc("a", "m", 0), nil))
}

func TestRegistry_PriorityBreaksTiesWithoutObservations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("b", "m", 2), model.NewMockModel("m", "b")))
	require.NoError(t, r.Register(desc("a", "m", 1), model.NewMockModel("m", "a")))
	require.NoError(t, r.Register(desc("c", "m", 2), model.NewMockModel("m", "c")))

	assert.Equal(t, []Key{"a/m", "b/m", "c/m"}, keys(r.Candidates("generation", Constraints{})))
}

func TestRegistry_LatencyOrdering(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("slow", "m", 1), model.NewMockModel("m", "slow")))
	require.NoError(t, r.Register(desc("fast", "m", 2), model.NewMockModel("m", "fast")))
	require.NoError(t, r.Register(desc("new", "m", 0), model.NewMockModel("m", "new")))

	slow, _ := r.lookup("slow/m")
	fast, _ := r.lookup("fast/m")
	slow.latency.observe(800 * time.Millisecond)
	fast.latency.observe(120 * time.Millisecond)

	assert.Equal(t, []Key{"fast/m", "slow/m", "new/m"}, keys(r.Candidates("intent", Constraints{})))

	sel, err := r.SelectProvider("intent", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, Key("fast/m"), sel.Key())
}

func TestRegistry_PriorityScorer(t *testing.T) {
	r := NewRegistry(func(o *RegistryOptions) { o.Scorer = PriorityScorer{} })
	require.NoError(t, r.Register(desc("slow", "m", 1), model.NewMockModel("m", "slow")))
	require.NoError(t, r.Register(desc("fast", "m", 2), model.NewMockModel("m", "fast")))

	fast, _ := r.lookup("fast/m")
	fast.latency.observe(time.Millisecond)

	assert.Equal(t, []Key{"slow/m", "fast/m"}, keys(r.Candidates("intent", Constraints{})))
}

func TestRegistry_ExcludesOpenBreakers(t *testing.T) {
	clock := testutil.NewClock()
	r := NewRegistry(func(o *RegistryOptions) {
		o.Now = clock.Now
		o.Breaker = BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: 10 * time.Second}
	})
	require.NoError(t, r.Register(desc("a", "m", 1), model.NewMockModel("m", "a")))
	require.NoError(t, r.Register(desc("b", "m", 2), model.NewMockModel("m", "b")))

	a, _ := r.lookup("a/m")
	a.breaker.RecordFailure()
	a.breaker.RecordFailure()

	assert.Equal(t, []Key{"b/m"}, keys(r.Candidates("generation", Constraints{})))

	clock.Advance(10 * time.Second)
	assert.Equal(t, []Key{"a/m", "b/m"}, keys(r.Candidates("generation", Constraints{})), "cooldown elapsed, trial allowed")
}

func TestRegistry_LanguageConstraint(t *testing.T) {
	r := NewRegistry()
	en := desc("openai", "gpt-4o", 1)
	en.Languages = []string{"en"}
	zh := desc("dashscope", "qwen-plus", 2)
	zh.Languages = []string{"zh", "en"}
	require.NoError(t, r.Register(en, model.NewMockModel("gpt-4o", "openai")))
	require.NoError(t, r.Register(zh, model.NewMockModel("qwen-plus", "dashscope")))

	assert.Equal(t, []Key{"dashscope/qwen-plus"}, keys(r.Candidates("generation", Constraints{Language: "zh-Hans"})))

	_, err := r.SelectProvider("generation", Constraints{Language: "fr"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRegistry_ReloadKeepsLiveState(t *testing.T) {
	clock := testutil.NewClock()
	var transitions []BreakerState
	r := NewRegistry(func(o *RegistryOptions) {
		o.Now = clock.Now
		o.Breaker = BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Minute}
		o.OnBreakerTransition = func(_ Key, _, to BreakerState, _ time.Duration) { transitions = append(transitions, to) }
	})
	require.NoError(t, r.Register(desc("a", "m", 1), model.NewMockModel("m", "a")))
	require.NoError(t, r.Register(desc("b", "m", 2), model.NewMockModel("m", "b")))

	a, _ := r.lookup("a/m")
	a.breaker.RecordFailure()
	require.Equal(t, []BreakerState{StateOpen}, transitions)

	var built []Key
	factory := func(d Descriptor) (model.Model, error) {
		built = append(built, d.Key())
		return model.NewMockModel(d.ModelID, d.ProviderID), nil
	}

	updatedA := desc("a", "m", 5)
	err := r.Reload([]Descriptor{updatedA, desc("c", "m", 3)}, factory)
	require.NoError(t, err)

	assert.Equal(t, []Key{"c/m"}, built)
	_, ok := r.Get("b/m")
	assert.False(t, ok)

	got, ok := r.Get("a/m")
	require.True(t, ok)
	assert.Equal(t, 5, got.Priority)

	snap, ok := r.Breaker("a/m")
	require.True(t, ok)
	assert.Equal(t, StateOpen, snap.State)

	status := r.Snapshot()
	require.Len(t, status, 2)
	assert.Equal(t, Key("a/m"), status[0].Descriptor.Key())
	assert.Equal(t, Key("c/m"), status[1].Descriptor.Key())
}

func TestRegistry_ReloadValidatesBeforeApplying(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(desc("a", "m", 1), model.NewMockModel("m", "a")))

	err := r.Reload([]Descriptor{desc("a", "m", 1), desc("a", "m", 2)}, nil)
	assert.Error(t, err)

	err = r.Reload([]Descriptor{desc("x", "m", 1)}, func(Descriptor) (model.Model, error) {
		return nil, errors.New("missing api key")
	})
	assert.Error(t, err)

	_, ok := r.Get("a/m")
	assert.True(t, ok, "failed reload leaves the registry untouched")
}
