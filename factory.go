package convomesh

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/model/anthropic"
	"github.com/hupe1980/convomesh/model/compat"
	"github.com/hupe1980/convomesh/model/gemini"
	"github.com/hupe1980/convomesh/model/openai"
	"github.com/hupe1980/convomesh/provider"
)

// NewModelFactory builds adapters by provider family: openai, anthropic and
// gemini use their SDKs, everything with a base URL (deepseek, openrouter,
// dashscope or an explicit base_url) goes through the OpenAI-compatible
// client.
func NewModelFactory(ctx context.Context) provider.ModelFactory {
	return func(d provider.Descriptor) (model.Model, error) {
		key := APIKey(d)
		switch {
		case d.ProviderID == "openai" && d.BaseURL == "":
			return openai.NewModel(func(o *openai.Options) {
				o.Model = d.ModelID
				o.APIKey = key
			}), nil
		case d.ProviderID == "anthropic":
			return anthropic.NewModel(func(o *anthropic.Options) {
				o.Model = anthropicsdk.Model(d.ModelID)
				o.APIKey = key
			}), nil
		case d.ProviderID == "gemini":
			m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
				o.Model = d.ModelID
				o.APIKey = key
			})
			if err != nil {
				return nil, err
			}
			return m, nil
		case d.BaseURL != "" || compat.BaseURLFor(d.ProviderID) != "":
			m, err := compat.New(compat.Config{Provider: d.ProviderID, APIKey: key, BaseURL: d.BaseURL, Model: d.ModelID})
			if err != nil {
				return nil, err
			}
			return m, nil
		default:
			return nil, fmt.Errorf("no adapter for provider %q", d.ProviderID)
		}
	}
}

// APIKey reads the key named by the descriptor's api_key_env, falling back to
// <PROVIDER>_API_KEY.
func APIKey(d provider.Descriptor) string {
	env := d.APIKeyEnv
	if env == "" {
		env = strings.ToUpper(strings.ReplaceAll(d.ProviderID, "-", "_")) + "_API_KEY"
	}
	return os.Getenv(env)
}
