package flow

import (
	"slices"

	"github.com/hupe1980/convomesh/agent"
)

// Built-in workflow variant names.
const (
	VariantChat  = "chat"
	VariantBasic = "basic"
	VariantQuick = "quick"
)

// Chat is the full sales conversation: compliance and sentiment screen the
// message independently, intent and strategy shape the reply, generation
// answers, then suggestion, product recommendation and memory-write run on
// the answer.
func Chat() Graph {
	return Graph{
		Name: VariantChat,
		Nodes: []Node{
			{Stage: agent.StageCompliance},
			{Stage: agent.StageSentiment},
			{Stage: agent.StageIntent, After: []string{agent.StageCompliance}},
			{Stage: agent.StageStrategy, After: []string{agent.StageIntent, agent.StageSentiment}},
			{Stage: agent.StageGeneration, After: []string{agent.StageIntent, agent.StageSentiment, agent.StageStrategy}},
			{Stage: agent.StageSuggestion, After: []string{agent.StageGeneration}},
			{Stage: agent.StageProduct, After: []string{agent.StageIntent, agent.StageGeneration}},
			{Stage: agent.StageMemoryWrite, After: []string{agent.StageGeneration}},
		},
		Response: agent.StageGeneration,
		Outputs:  []string{agent.StageGeneration, agent.StageSuggestion, agent.StageProduct},
	}
}

// Basic screens with compliance and sentiment in parallel, then generates.
func Basic() Graph {
	return Graph{
		Name: VariantBasic,
		Nodes: []Node{
			{Stage: agent.StageCompliance},
			{Stage: agent.StageSentiment},
			{Stage: agent.StageGeneration, After: []string{agent.StageCompliance, agent.StageSentiment}},
		},
		Response: agent.StageGeneration,
	}
}

// Quick only generates.
func Quick() Graph {
	return Graph{
		Name:     VariantQuick,
		Nodes:    []Node{{Stage: agent.StageGeneration}},
		Response: agent.StageGeneration,
	}
}

var builtins = map[string]func() Graph{
	VariantChat:  Chat,
	VariantBasic: Basic,
	VariantQuick: Quick,
}

// Builtin returns the built-in graph called name.
func Builtin(name string) (Graph, bool) {
	f, ok := builtins[name]
	if !ok {
		return Graph{}, false
	}
	return f(), true
}

// BuiltinNames lists the built-in variants sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
