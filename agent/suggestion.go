package agent

import (
	"fmt"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageSuggestion is the name of the suggestion stage.
const StageSuggestion = "suggestion"

const suggestionInstruction = `Suggest up to three short follow-up questions the customer might ask next.
Reply with a JSON object: {"suggestions": [string]}.`

// SuggestionStage proposes follow-ups for the generated reply.
type SuggestionStage struct {
	BaseStage
}

// NewSuggestionStage creates the fail-open suggestion stage depending on generation.
func NewSuggestionStage(optFns ...func(o *StageOptions)) *SuggestionStage {
	defaults := func(o *StageOptions) {
		o.DependsOn = []string{StageGeneration}
		o.Timeout = 10 * time.Second
	}
	return &SuggestionStage{BaseStage: NewBaseStage(StageSuggestion, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *SuggestionStage) BuildRequest(v core.StateView, _ core.MemorySnapshot) (model.Request, error) {
	var gen GenerationOutput
	if !v.Output(StageGeneration, &gen) {
		return model.Request{}, fmt.Errorf("%s requires a %s output", s.Name(), StageGeneration)
	}
	instructions, err := s.instruction(suggestionInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: v.Input},
			{Role: model.RoleAssistant, Content: gen.Response},
		},
		JSON:        true,
		Temperature: temperature(0.5),
	}, nil
}

// ParseResult implements core.Stage.
func (s *SuggestionStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out SuggestionOutput
	if err := suggestionSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	if out.Suggestions == nil {
		out.Suggestions = []string{}
	}
	return core.NewOutputResult(s.Name(), out)
}

// Fallback implements core.Stage.
func (s *SuggestionStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), SuggestionOutput{Suggestions: []string{}})
	return res
}
