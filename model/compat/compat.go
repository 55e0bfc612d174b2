// Package compat adapts OpenAI-compatible chat endpoints (DeepSeek,
// OpenRouter, DashScope and self-hosted gateways) to model.Model using the
// go-openai client with a custom base URL.
package compat

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/convomesh/model"
	openai "github.com/sashabaranov/go-openai"
)

// Well known base URLs.
const (
	DeepSeekBaseURL   = "https://api.deepseek.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DashScopeBaseURL  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
)

// BaseURLFor returns the default endpoint for a provider family, or "".
func BaseURLFor(provider string) string {
	switch provider {
	case "deepseek":
		return DeepSeekBaseURL
	case "openrouter":
		return OpenRouterBaseURL
	case "dashscope":
		return DashScopeBaseURL
	default:
		return ""
	}
}

// Config configures a compatible endpoint.
type Config struct {
	// Provider is the family name reported by Info (e.g. "deepseek").
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Model implements model.Model for an OpenAI-compatible endpoint.
type Model struct {
	client *openai.Client
	cfg    Config
}

var _ model.Model = (*Model)(nil)

// New creates a compatible model. BaseURL defaults to the provider family's endpoint.
func New(cfg Config) (*Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model is required", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURLFor(cfg.Provider)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Model{client: openai.NewClientWithConfig(config), cfg: cfg}, nil
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		resp, err := m.client.CreateChatCompletion(ctx, m.buildRequest(req))
		if err != nil {
			errCh <- fmt.Errorf("%s api error: %w", m.cfg.Provider, err)
			return
		}
		if len(resp.Choices) == 0 {
			errCh <- errors.New("no choices returned")
			return
		}

		out <- model.Response{
			ID:           resp.ID,
			Text:         resp.Choices[0].Message.Content,
			FinishReason: string(resp.Choices[0].FinishReason),
			Usage: &model.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
	}()

	return out, errCh
}

func (m *Model) buildRequest(req model.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Instructions})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	out := openai.ChatCompletionRequest{Model: m.cfg.Model, Messages: messages, MaxTokens: m.cfg.MaxTokens}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.cfg.Model, Provider: m.cfg.Provider, SupportsJSON: true}
}

// Embedder implements model.Embedder against an OpenAI-compatible embeddings endpoint.
type Embedder struct {
	client *openai.Client
	model  string
}

var _ model.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder. Model defaults to text-embedding-3-small.
func NewEmbedder(apiKey, baseURL, embeddingModel string) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("embedder: API key is required")
	}
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Embedder{client: openai.NewClientWithConfig(config), model: embeddingModel}, nil
}

// Embed implements model.Embedder.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index >= 0 && data.Index < len(results) {
			results[data.Index] = data.Embedding
		}
	}
	return results, nil
}
