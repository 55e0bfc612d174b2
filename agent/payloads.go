package agent

// ComplianceOutput is the verdict of the compliance stage.
type ComplianceOutput struct {
	Approved   bool     `json:"approved"`
	Reason     string   `json:"reason,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// SentimentOutput classifies the customer's tone.
type SentimentOutput struct {
	Label string  `json:"label" jsonschema:"enum=positive,enum=neutral,enum=negative"`
	Score float64 `json:"score" jsonschema:"minimum=-1,maximum=1"`
}

// IntentOutput names what the customer is trying to achieve.
type IntentOutput struct {
	Intent     string            `json:"intent" jsonschema:"minLength=1"`
	Confidence float64           `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// StrategyOutput is the conversational approach picked for the reply.
type StrategyOutput struct {
	Strategy  string `json:"strategy" jsonschema:"minLength=1"`
	Rationale string `json:"rationale,omitempty"`
}

// GenerationOutput is the customer-facing reply.
type GenerationOutput struct {
	Response string `json:"response"`
}

// SuggestionOutput holds follow-up suggestions for the customer.
type SuggestionOutput struct {
	Suggestions []string `json:"suggestions"`
}

// ProductRecommendation is one recommended product.
type ProductRecommendation struct {
	Name       string  `json:"name" jsonschema:"minLength=1"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

// ProductOutput holds the products recommended for the conversation.
type ProductOutput struct {
	Recommendations []ProductRecommendation `json:"recommendations"`
}

// MemoryWriteOutput lists durable facts worth keeping for later conversations.
type MemoryWriteOutput struct {
	Facts []string `json:"facts"`
}

var (
	complianceSchema  = MustValidator(StageCompliance, &ComplianceOutput{})
	sentimentSchema   = MustValidator(StageSentiment, &SentimentOutput{})
	intentSchema      = MustValidator(StageIntent, &IntentOutput{})
	strategySchema    = MustValidator(StageStrategy, &StrategyOutput{})
	suggestionSchema  = MustValidator(StageSuggestion, &SuggestionOutput{})
	productSchema     = MustValidator(StageProduct, &ProductOutput{})
	memoryWriteSchema = MustValidator(StageMemoryWrite, &MemoryWriteOutput{})
)
