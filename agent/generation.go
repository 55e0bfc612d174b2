package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageGeneration is the name of the generation stage.
const StageGeneration = "generation"

const generationInstruction = `You are a helpful customer assistant.
Reply to the customer's latest message in {{default "the language of the message" .language}}.
{{with .strategy}}Follow a {{.}} approach.{{end}}`

// DefaultFallbackResponse is the reply used when generation is configured fail-open.
const DefaultFallbackResponse = "Sorry, I can't answer right now. Please try again in a moment."

var errEmptyResponse = errors.New("generation returned an empty response")

// GenerationStage produces the customer-facing reply from the conversation,
// long-term context and every merged upstream output.
type GenerationStage struct {
	BaseStage
}

// NewGenerationStage creates the fail-closed generation stage.
func NewGenerationStage(optFns ...func(o *StageOptions)) *GenerationStage {
	defaults := func(o *StageOptions) {
		o.Policy = core.FailClosed
		o.Timeout = 30 * time.Second
	}
	return &GenerationStage{BaseStage: NewBaseStage(StageGeneration, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *GenerationStage) BuildRequest(v core.StateView, mem core.MemorySnapshot) (model.Request, error) {
	instructions, err := s.instruction(generationInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: joinSections(instructions, documentBlock(mem), upstreamBlock(v)),
		Messages:     conversation(mem, v.Input, s.opts.HistoryTurns),
		Temperature:  temperature(0.7),
	}, nil
}

// ParseResult implements core.Stage.
func (s *GenerationStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return core.StageResult{}, errEmptyResponse
	}
	return core.NewOutputResult(s.Name(), GenerationOutput{Response: text})
}

// Fallback implements core.Stage.
func (s *GenerationStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), GenerationOutput{Response: DefaultFallbackResponse})
	return res
}
