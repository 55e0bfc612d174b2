package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

// StageMemoryWrite is the name of the memory-write stage.
const StageMemoryWrite = "memory-write"

const memoryWriteInstruction = `Extract durable facts about the customer from this exchange that will
help in future conversations, such as preferences, constraints or purchases.
Reply with a JSON object: {"facts": [string]}. Use an empty list when there is nothing worth keeping.`

// MemoryWriteStage extracts long-term facts from the exchange. It only
// requests writes; the orchestrator applies them through the memory manager.
type MemoryWriteStage struct {
	BaseStage
}

// NewMemoryWriteStage creates the fail-open memory-write stage depending on generation.
func NewMemoryWriteStage(optFns ...func(o *StageOptions)) *MemoryWriteStage {
	defaults := func(o *StageOptions) {
		o.Kind = "extraction"
		o.DependsOn = []string{StageGeneration}
		o.Timeout = 10 * time.Second
	}
	return &MemoryWriteStage{BaseStage: NewBaseStage(StageMemoryWrite, append([]func(o *StageOptions){defaults}, optFns...)...)}
}

// BuildRequest implements core.Stage.
func (s *MemoryWriteStage) BuildRequest(v core.StateView, _ core.MemorySnapshot) (model.Request, error) {
	var gen GenerationOutput
	if !v.Output(StageGeneration, &gen) {
		return model.Request{}, fmt.Errorf("%s requires a %s output", s.Name(), StageGeneration)
	}
	instructions, err := s.instruction(memoryWriteInstruction).Resolve(v)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: v.Input},
			{Role: model.RoleAssistant, Content: gen.Response},
		},
		JSON:        true,
		Temperature: temperature(0),
	}, nil
}

// ParseResult implements core.Stage. Every non-empty fact becomes a memory
// write; the subject is filled with the thread by the orchestrator.
func (s *MemoryWriteStage) ParseResult(resp *model.Response) (core.StageResult, error) {
	var out MemoryWriteOutput
	if err := memoryWriteSchema.Decode(resp.Text, &out); err != nil {
		return core.StageResult{}, err
	}

	facts := make([]string, 0, len(out.Facts))
	for _, f := range out.Facts {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, f)
		}
	}

	res, err := core.NewOutputResult(s.Name(), MemoryWriteOutput{Facts: facts})
	if err != nil {
		return core.StageResult{}, err
	}
	for _, f := range facts {
		res.Memory = append(res.Memory, core.MemoryWrite{Content: f, Metadata: map[string]string{"kind": "fact"}})
	}
	return res, nil
}

// Fallback implements core.Stage.
func (s *MemoryWriteStage) Fallback(core.StateView) core.StageResult {
	res, _ := core.NewOutputResult(s.Name(), MemoryWriteOutput{Facts: []string{}})
	return res
}
