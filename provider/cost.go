package provider

import (
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// EstimateCost prices usage with the descriptor's pricing table.
func EstimateCost(d Descriptor, usage *model.TokenUsage) *core.CostEstimate {
	est := &core.CostEstimate{Provider: d.ProviderID, Model: d.ModelID, Currency: "USD"}
	if usage == nil {
		return est
	}
	est.PromptTokens = usage.PromptTokens
	est.CompletionTokens = usage.CompletionTokens
	est.Cost = float64(usage.PromptTokens)/1000*d.Pricing.InputPer1K +
		float64(usage.CompletionTokens)/1000*d.Pricing.OutputPer1K
	return est
}
