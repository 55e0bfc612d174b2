package agent

import (
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageStrategy is the name of the strategy stage.
const StageStrategy = "strategy"

// DefaultStrategy is used when strategy selection fails.
const DefaultStrategy = "consultative"

const strategyInstruction = `Pick the conversational strategy for the next reply, for example
consultative, informative, empathetic or closing.
Reply with a JSON object: {"strategy": string, "rationale": string}.`

// StrategyStage picks how the reply should approach the customer. It needs
// the detected intent.
type StrategyStage struct {
	BaseStage
}

// NewStrategyStage creates the fail-open strategy stage depending on intent.
func NewStrategyStage(optFns ...func(o *StageOptions)) *StrategyStage {
	defaults := func(o *StageOptions) {
		o.DependsOn = []string{StageIntent}
		o.Timeout = 10 * time.Second
	}
	return &StrategyStage{BaseStage: NewBaseStage(StageStrategy, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *StrategyStage) BuildRequest(v core.StateView, mem core.MemorySnapshot) (model.Request, error) {
	instructions, err := s.instruction(strategyInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: joinSections(instructions, upstreamBlock(v, StageIntent, StageSentiment)),
		Messages:     conversation(mem, v.Input, s.opts.HistoryTurns),
		JSON:         true,
		Temperature:  temperature(0.2),
	}, nil
}

// ParseResult implements core.Stage.
func (s *StrategyStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out StrategyOutput
	if err := strategySchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	res, err := core.NewOutputResult(s.Name(), out)
	if err != nil {
		return core.StageResult{}, err
	}
	res.Context = map[string]any{"strategy": out.Strategy}
	return res, nil
}

// Fallback implements core.Stage.
func (s *StrategyStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), StrategyOutput{Strategy: DefaultStrategy})
	res.Context = map[string]any{"strategy": DefaultStrategy}
	return res
}
