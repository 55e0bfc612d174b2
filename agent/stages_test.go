package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

func TestBuiltinStageDeclarations(t *testing.T) {
	tests := []struct {
		stage        core.Stage
		policy       core.FailurePolicy
		shortCircuit bool
		deps         []string
		kind         string
	}{
		{NewComplianceStage(), core.FailClosed, true, nil, StageCompliance},
		{NewSentimentStage(), core.FailOpen, false, nil, StageSentiment},
		{NewIntentStage(), core.FailOpen, false, nil, StageIntent},
		{NewStrategyStage(), core.FailOpen, false, []string{StageIntent}, StageStrategy},
		{NewGenerationStage(), core.FailClosed, false, nil, StageGeneration},
		{NewSuggestionStage(), core.FailOpen, false, []string{StageGeneration}, StageSuggestion},
		{NewProductStage(), core.FailOpen, false, []string{StageIntent, StageGeneration}, StageProduct},
		{NewMemoryWriteStage(), core.FailOpen, false, []string{StageGeneration}, "extraction"},
	}
	for _, tt := range tests {
		t.Run(tt.stage.Name(), func(t *testing.T) {
			assert.Equal(t, tt.policy, tt.stage.Policy())
			assert.Equal(t, tt.shortCircuit, tt.stage.MayShortCircuit())
			assert.Equal(t, tt.deps, tt.stage.DependsOn())
			assert.Equal(t, tt.kind, tt.stage.Kind())
			assert.Positive(t, tt.stage.Timeout())

			fb := tt.stage.Fallback(core.StateView{})
			assert.Equal(t, core.StageStatusOK, fb.Status)
			assert.NotEmpty(t, fb.Output)
		})
	}
}

func TestStageOptions_Override(t *testing.T) {
	s := NewSentimentStage(
		WithPolicy(core.FailClosed),
		WithTimeout(time.Second),
		WithDependsOn(StageCompliance),
		WithRequiresMemory(),
	)
	assert.Equal(t, core.FailClosed, s.Policy())
	assert.Equal(t, time.Second, s.Timeout())
	assert.Equal(t, []string{StageCompliance}, s.DependsOn())
	assert.True(t, s.RequiresMemory())

	deps := s.DependsOn()
	deps[0] = "mutated"
	assert.Equal(t, []string{StageCompliance}, s.DependsOn())
}

func TestComplianceStage(t *testing.T) {
	s := NewComplianceStage()
	view := newTestView(t, nil)

	req, err := s.BuildRequest(view, core.MemorySnapshot{})
	require.NoError(t, err)
	assert.True(t, req.JSON)
	assert.Equal(t, "hello", req.LastUserMessage())
	assert.Contains(t, req.Instructions, "policy compliance")

	res, err := s.ParseResult(&model.Response{Text: `{"approved": true}`})
	require.NoError(t, err)
	assert.Equal(t, StageCompliance, res.Stage)
	assert.False(t, res.ShortCircuit)
	assert.Equal(t, true, res.Context["compliance_approved"])

	res, err = s.ParseResult(&model.Response{Text: `{"approved": false, "reason": "abuse", "categories": ["harassment"]}`})
	require.NoError(t, err)
	assert.True(t, res.ShortCircuit)

	var out ComplianceOutput
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "abuse", out.Reason)

	_, err = s.ParseResult(&model.Response{Text: "I cannot answer that"})
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestSentimentStage(t *testing.T) {
	s := NewSentimentStage()

	res, err := s.ParseResult(&model.Response{Text: "```json\n{\"label\":\"positive\",\"score\":0.8}\n```"})
	require.NoError(t, err)
	assert.Equal(t, "positive", res.Context["sentiment"])

	fb := s.Fallback(core.StateView{})
	var out SentimentOutput
	require.NoError(t, fb.Decode(&out))
	assert.Equal(t, SentimentOutput{Label: "neutral", Score: 0}, out)
}

func TestIntentAndStrategyStages(t *testing.T) {
	intent := NewIntentStage()
	res, err := intent.ParseResult(&model.Response{Text: `{"intent":"pricing","confidence":0.7,"entities":{"product":"pro"}}`})
	require.NoError(t, err)
	assert.Equal(t, "pricing", res.Context["intent"])

	var fb IntentOutput
	require.NoError(t, intent.Fallback(core.StateView{}).Decode(&fb))
	assert.Equal(t, DefaultIntent, fb.Intent)

	strategy := NewStrategyStage()
	view := newTestView(t, nil,
		mustOutput(t, StageIntent, IntentOutput{Intent: "pricing", Confidence: 0.7}),
		mustOutput(t, StageCompliance, ComplianceOutput{Approved: true}),
	)
	req, err := strategy.BuildRequest(view, core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Contains(t, req.Instructions, `- intent: {"intent":"pricing","confidence":0.7}`)
	assert.NotContains(t, req.Instructions, "- compliance:")

	var sfb StrategyOutput
	require.NoError(t, strategy.Fallback(view).Decode(&sfb))
	assert.Equal(t, DefaultStrategy, sfb.Strategy)
}

func TestGenerationStage(t *testing.T) {
	s := NewGenerationStage()
	view := newTestView(t, map[string]any{core.ContextLanguage: "German", "strategy": "consultative"},
		mustOutput(t, StageSentiment, SentimentOutput{Label: "positive", Score: 0.5}),
		mustOutput(t, StageCompliance, ComplianceOutput{Approved: true}),
	)
	mem := core.MemorySnapshot{
		Turns:     []core.MemoryRecord{{Role: core.RoleUser, Content: "earlier"}, {Role: core.RoleAssistant, Content: "reply"}},
		Documents: []core.MemoryDocument{{Content: "customer prefers email"}},
	}

	req, err := s.BuildRequest(view, mem)
	require.NoError(t, err)
	assert.Contains(t, req.Instructions, "in German")
	assert.Contains(t, req.Instructions, "Follow a consultative approach.")
	assert.Contains(t, req.Instructions, "customer prefers email")
	assert.Contains(t, req.Instructions, `- compliance: {"approved":true}`)
	assert.Contains(t, req.Instructions, `- sentiment: {"label":"positive","score":0.5}`)
	assert.Len(t, req.Messages, 3)
	assert.False(t, req.JSON)

	again, err := s.BuildRequest(view, mem)
	require.NoError(t, err)
	assert.Equal(t, req, again, "requests must be reproducible")

	res, err := s.ParseResult(&model.Response{Text: "  Hallo!  "})
	require.NoError(t, err)
	var out GenerationOutput
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "Hallo!", out.Response)

	_, err = s.ParseResult(&model.Response{Text: "   "})
	assert.Error(t, err)
}

func TestGenerationStage_DefaultLanguage(t *testing.T) {
	req, err := NewGenerationStage().BuildRequest(newTestView(t, nil), core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Contains(t, req.Instructions, "in the language of the message")
	assert.NotContains(t, req.Instructions, "approach")
}

func TestSuggestionStage(t *testing.T) {
	s := NewSuggestionStage()

	_, err := s.BuildRequest(newTestView(t, nil), core.MemorySnapshot{})
	assert.Error(t, err, "generation output is required")

	view := newTestView(t, nil, mustOutput(t, StageGeneration, GenerationOutput{Response: "We have three plans."}))
	req, err := s.BuildRequest(view, core.MemorySnapshot{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "We have three plans.", req.Messages[1].Content)

	res, err := s.ParseResult(&model.Response{Text: `{"suggestions":["Compare plans"]}`})
	require.NoError(t, err)
	var out SuggestionOutput
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, []string{"Compare plans"}, out.Suggestions)

	require.NoError(t, s.Fallback(view).Decode(&out))
	assert.Empty(t, out.Suggestions)
}

func TestProductStage(t *testing.T) {
	s := NewProductStage()

	_, err := s.BuildRequest(newTestView(t, nil), core.MemorySnapshot{})
	assert.Error(t, err, "generation output is required")

	view := newTestView(t, nil,
		mustOutput(t, StageIntent, IntentOutput{Intent: "pricing", Confidence: 0.8}),
		mustOutput(t, StageGeneration, GenerationOutput{Response: "The Pro plan costs 20 EUR."}),
	)
	mem := core.MemorySnapshot{Documents: []core.MemoryDocument{{Content: "customer asked about the Pro plan"}}}
	req, err := s.BuildRequest(view, mem)
	require.NoError(t, err)
	assert.Contains(t, req.Instructions, "customer asked about the Pro plan")
	assert.Contains(t, req.Instructions, `- intent: {"intent":"pricing","confidence":0.8}`)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "The Pro plan costs 20 EUR.", req.Messages[1].Content)
	assert.True(t, req.JSON)

	res, err := s.ParseResult(&model.Response{Text: `{"recommendations":[{"name":"Pro plan","reason":"asked before","confidence":0.9}]}`})
	require.NoError(t, err)
	var out ProductOutput
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, []ProductRecommendation{{Name: "Pro plan", Reason: "asked before", Confidence: 0.9}}, out.Recommendations)

	_, err = s.ParseResult(&model.Response{Text: `{"recommendations":[{"name":"","confidence":2}]}`})
	assert.Error(t, err)

	require.NoError(t, s.Fallback(view).Decode(&out))
	assert.NotNil(t, out.Recommendations)
	assert.Empty(t, out.Recommendations)
}

func TestMemoryWriteStage(t *testing.T) {
	s := NewMemoryWriteStage()

	res, err := s.ParseResult(&model.Response{Text: `{"facts":["likes blue", "  ", "budget 100 EUR"]}`})
	require.NoError(t, err)
	require.Len(t, res.Memory, 2)
	assert.Equal(t, "likes blue", res.Memory[0].Content)
	assert.Equal(t, "fact", res.Memory[0].Metadata["kind"])
	assert.Empty(t, res.Memory[0].SubjectID)

	fb := s.Fallback(core.StateView{})
	assert.Empty(t, fb.Memory)
}

func TestStage_InstructionOverride(t *testing.T) {
	s := NewSentimentStage(WithInstruction(NewInstructionFromText("Rate tone for {{.tenant}}")))
	req, err := s.BuildRequest(newTestView(t, nil), core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Equal(t, "Rate tone for acme", req.Instructions)
}
