package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(RunStatusQueued, RunStatusRunning))
	assert.True(t, CanTransition(RunStatusQueued, RunStatusCancelled))
	assert.True(t, CanTransition(RunStatusRunning, RunStatusSucceeded))
	assert.False(t, CanTransition(RunStatusRunning, RunStatusQueued))
	assert.False(t, CanTransition(RunStatusSucceeded, RunStatusFailed))
	assert.False(t, CanTransition(RunStatusCancelled, RunStatusRunning))
}

func TestRun_CloneIsDeep(t *testing.T) {
	r := newTestRun()
	now := time.Now().UTC()
	r.StartedAt = &now
	r.Result = &RunResult{
		Response: "hi",
		Outputs:  map[string]json.RawMessage{"generation": json.RawMessage(`{"text":"hi"}`)},
		Stages:   []StageResult{{Stage: "generation", Status: StageStatusOK, Output: json.RawMessage(`{"text":"hi"}`)}},
	}

	c := r.Clone()
	c.Result.Stages[0].Output[2] = 'X'
	c.Result.Outputs["generation"][2] = 'X'
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, `{"text":"hi"}`, string(r.Result.Stages[0].Output))
	assert.Equal(t, `{"text":"hi"}`, string(r.Result.Outputs["generation"]))
	assert.Equal(t, now, *r.StartedAt)

	a, err := json.Marshal(r)
	require.NoError(t, err)
	b, err := json.Marshal(r.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestThread_MergeMetadata(t *testing.T) {
	th := NewThread("", "acme")
	assert.NotEmpty(t, th.ID)

	th.MergeMetadata(map[string]any{"channel": "web"})
	c := th.Clone()
	c.MergeMetadata(map[string]any{"channel": "sms"})

	assert.Equal(t, "web", th.Metadata["channel"])
	assert.Equal(t, "sms", c.Metadata["channel"])
}
