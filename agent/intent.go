package agent

import (
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageIntent is the name of the intent stage.
const StageIntent = "intent"

// DefaultIntent is used when intent detection fails.
const DefaultIntent = "general"

const intentInstruction = `Identify what the customer wants to achieve with their latest message.
Use the conversation for context. Extract relevant entities such as product names.
Reply with a JSON object: {"intent": string, "confidence": number between 0 and 1, "entities": {string: string}}.`

// IntentStage detects the customer's goal.
type IntentStage struct {
	BaseStage
}

// NewIntentStage creates the fail-open intent stage.
func NewIntentStage(optFns ...func(o *StageOptions)) *IntentStage {
	defaults := func(o *StageOptions) { o.Timeout = 10 * time.Second }
	return &IntentStage{BaseStage: NewBaseStage(StageIntent, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *IntentStage) BuildRequest(v core.StateView, mem core.MemorySnapshot) (model.Request, error) {
	instructions, err := s.instruction(intentInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Messages:     conversation(mem, v.Input, s.opts.HistoryTurns),
		JSON:         true,
		Temperature:  temperature(0),
	}, nil
}

// ParseResult implements core.Stage.
func (s *IntentStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out IntentOutput
	if err := intentSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	res, err := core.NewOutputResult(s.Name(), out)
	if err != nil {
		return core.StageResult{}, err
	}
	res.Context = map[string]any{"intent": out.Intent}
	return res, nil
}

// Fallback implements core.Stage.
func (s *IntentStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), IntentOutput{Intent: DefaultIntent})
	res.Context = map[string]any{"intent": DefaultIntent}
	return res
}
