package agent

import (
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageSentiment is the name of the sentiment stage.
const StageSentiment = "sentiment"

const sentimentInstruction = `Classify the sentiment of the customer's latest message.
Reply with a JSON object: {"label": "positive"|"neutral"|"negative", "score": number between -1 and 1}.`

// SentimentStage classifies the tone of the inbound message.
type SentimentStage struct {
	BaseStage
}

// NewSentimentStage creates the fail-open sentiment stage.
func NewSentimentStage(optFns ...func(o *StageOptions)) *SentimentStage {
	defaults := func(o *StageOptions) { o.Timeout = 10 * time.Second }
	return &SentimentStage{BaseStage: NewBaseStage(StageSentiment, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *SentimentStage) BuildRequest(v core.StateView, _ core.MemorySnapshot) (model.Request, error) {
	instructions, err := s.instruction(sentimentInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Messages:     []model.Message{{Role: model.RoleUser, Content: v.Input}},
		JSON:         true,
		Temperature:  temperature(0),
	}, nil
}

// ParseResult implements core.Stage.
func (s *SentimentStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out SentimentOutput
	if err := sentimentSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	res, err := core.NewOutputResult(s.Name(), out)
	if err != nil {
		return core.StageResult{}, err
	}
	res.Context = map[string]any{"sentiment": out.Label}
	return res, nil
}

// Fallback implements core.Stage.
func (s *SentimentStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), SentimentOutput{Label: "neutral", Score: 0})
	res.Context = map[string]any{"sentiment": "neutral"}
	return res
}
