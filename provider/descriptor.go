package provider

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Key identifies a (provider, model) pair.
type Key string

// RateLimitMode selects what happens when a provider's budget is exhausted.
type RateLimitMode string

const (
	// RateLimitReject fails immediately with ErrRateLimited.
	RateLimitReject RateLimitMode = "reject"
	// RateLimitBlock waits up to MaxWait for a token before rejecting.
	RateLimitBlock RateLimitMode = "block"
)

// RateLimit caps requests per window. Requests == 0 disables limiting.
type RateLimit struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
	Burst    int           `yaml:"burst,omitempty" json:"burst,omitempty"`
	Mode     RateLimitMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	MaxWait  time.Duration `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
}

// Pricing is the price per 1K tokens.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Descriptor is the configuration of one provider model.
type Descriptor struct {
	ProviderID   string   `yaml:"provider" json:"provider"`
	ModelID      string   `yaml:"model" json:"model"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	// StageTypes restricts the stage kinds served. Empty serves all.
	StageTypes []string `yaml:"stage_types,omitempty" json:"stage_types,omitempty"`
	// Languages lists BCP 47 tags served. Empty serves all.
	Languages []string  `yaml:"languages,omitempty" json:"languages,omitempty"`
	RateLimit RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	// Priority orders otherwise equal providers; lower wins.
	Priority int `yaml:"priority" json:"priority"`
	// Timeout overrides the per-attempt timeout when set.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Pricing Pricing       `yaml:"pricing,omitempty" json:"pricing,omitempty"`
	// BaseURL and APIKeyEnv configure adapters for OpenAI-compatible endpoints.
	BaseURL   string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Disabled  bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Key returns "provider/model".
func (d Descriptor) Key() Key { return Key(d.ProviderID + "/" + d.ModelID) }

// Validate checks required fields.
func (d Descriptor) Validate() error {
	if d.ProviderID == "" || d.ModelID == "" {
		return fmt.Errorf("provider descriptor requires provider and model (got %q/%q)", d.ProviderID, d.ModelID)
	}
	if d.RateLimit.Requests < 0 || d.RateLimit.Burst < 0 {
		return fmt.Errorf("provider %s: negative rate limit", d.Key())
	}
	if d.RateLimit.Requests > 0 && d.RateLimit.Window <= 0 {
		return fmt.Errorf("provider %s: rate limit window must be positive", d.Key())
	}
	switch d.RateLimit.Mode {
	case "", RateLimitReject, RateLimitBlock:
	default:
		return fmt.Errorf("provider %s: unknown rate limit mode %q", d.Key(), d.RateLimit.Mode)
	}
	for _, l := range d.Languages {
		if _, err := language.Parse(l); err != nil {
			return fmt.Errorf("provider %s: invalid language %q: %w", d.Key(), l, err)
		}
	}
	return nil
}

// Constraints narrow provider selection.
type Constraints struct {
	// Language is a BCP 47 tag the provider must support.
	Language string
	// Capabilities must all be present on the descriptor.
	Capabilities []string
	// Exclude removes specific keys from consideration.
	Exclude []Key
}

// Supports reports whether d may serve stageType under c.
func (d Descriptor) Supports(stageType string, c Constraints) bool {
	if d.Disabled {
		return false
	}
	if len(d.StageTypes) > 0 && !slices.Contains(d.StageTypes, stageType) {
		return false
	}
	if slices.Contains(c.Exclude, d.Key()) {
		return false
	}
	for _, capability := range c.Capabilities {
		if !slices.Contains(d.Capabilities, capability) {
			return false
		}
	}
	return d.supportsLanguage(c.Language)
}

func (d Descriptor) supportsLanguage(want string) bool {
	if want == "" || len(d.Languages) == 0 {
		return true
	}

	wantTag, err := language.Parse(want)
	if err != nil {
		return false
	}
	wantBase, _ := wantTag.Base()

	supported := make([]language.Tag, 0, len(d.Languages))
	for _, l := range d.Languages {
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		if base, _ := tag.Base(); base == wantBase {
			return true
		}
		supported = append(supported, tag)
	}
	if len(supported) == 0 {
		return false
	}

	_, _, conf := language.NewMatcher(supported).Match(wantTag)
	return conf >= language.High
}

func normalizeMode(m RateLimitMode) RateLimitMode {
	if strings.TrimSpace(string(m)) == "" {
		return RateLimitReject
	}
	return m
}
