package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
)

// SummaryStageType is the stage type used to route summarization calls.
const SummaryStageType = "summary"

const summaryInstruction = `Summarize the following conversation in a few sentences.
Keep names, preferences, open questions and commitments. Do not invent facts.`

// Summarizer condenses a short-term window through the provider router. It
// backs summary promotion in the memory manager.
type Summarizer struct {
	router  Router
	timeout time.Duration
}

var _ memory.Summarizer = (*Summarizer)(nil)

// NewSummarizer creates a summarizer routing through router.
func NewSummarizer(router Router, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Summarizer{router: router, timeout: timeout}
}

// Summarize implements memory.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, turns []core.MemoryRecord) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	req := model.Request{
		Instructions: summaryInstruction,
		Messages:     []model.Message{{Role: model.RoleUser, Content: b.String()}},
		Temperature:  temperature(0),
	}
	out, err := s.router.Route(ctx, SummaryStageType, provider.Constraints{}, req, s.timeout)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out.Response.Text), nil
}
