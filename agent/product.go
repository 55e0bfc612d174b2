package agent

import (
	"fmt"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageProduct is the name of the product recommendation stage.
const StageProduct = "product"

const productInstruction = `Recommend at most three products that fit the customer's intent and the reply
they are about to receive. Only recommend products named in the history below.
Return an empty list when nothing fits.
Reply with a JSON object: {"recommendations": [{"name": string, "reason": string, "confidence": number}]}.`

// ProductStage recommends products from long-term memory. It needs the
// detected intent and the generated reply.
type ProductStage struct {
	BaseStage
}

// NewProductStage creates the fail-open product stage depending on intent
// and generation.
func NewProductStage(optFns ...func(o *StageOptions)) *ProductStage {
	defaults := func(o *StageOptions) {
		o.DependsOn = []string{StageIntent, StageGeneration}
		o.Timeout = 10 * time.Second
	}
	return &ProductStage{BaseStage: NewBaseStage(StageProduct, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *ProductStage) BuildRequest(v core.StateView, mem core.MemorySnapshot) (model.Request, error) {
	var gen GenerationOutput
	if !v.Output(StageGeneration, &gen) {
		return model.Request{}, fmt.Errorf("%s requires a %s output", s.Name(), StageGeneration)
	}
	instructions, err := s.instruction(productInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: joinSections(instructions, upstreamBlock(v, StageIntent), documentBlock(mem)),
		Messages: []model.Message{
			{Role: model.RoleUser, Content: v.Input},
			{Role: model.RoleAssistant, Content: gen.Response},
		},
		JSON:        true,
		Temperature: temperature(0.3),
	}, nil
}

// ParseResult implements core.Stage.
func (s *ProductStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out ProductOutput
	if err := productSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}
	if out.Recommendations == nil {
		out.Recommendations = []ProductRecommendation{}
	}
	return core.NewOutputResult(s.Name(), out)
}

// Fallback implements core.Stage. No recommendation is neutral.
func (s *ProductStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), ProductOutput{Recommendations: []ProductRecommendation{}})
	return res
}
