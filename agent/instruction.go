package agent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/internal/util"
	"github.com/hupe1980/convomesh/model"
)

// Provider supplies dynamic instruction text derived from run state.
type Provider interface {
	Instruction(core.StateView) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(core.StateView) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(v core.StateView) (string, error) { return f(v) }

// Instruction represents either a static instruction template or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(core.StateView) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether no instruction was configured.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text rendered against the run state.
// Templates see .input, .language, .tenant, .upstream (stage name to output)
// and every context value under its key.
func (i Instruction) Resolve(v core.StateView) (string, error) {
	text := i.text
	if i.provider != nil {
		t, err := i.provider.Instruction(v)
		if err != nil {
			return "", err
		}
		text = t
	}
	return util.RenderTemplate(text, templateData(v))
}

func templateData(v core.StateView) map[string]any {
	data := map[string]any{}
	for _, key := range v.ContextKeys() {
		val, _ := v.Value(key)
		data[key] = val
	}
	data["input"] = v.Input
	data["tenant"] = v.TenantID
	data["language"] = v.String(core.ContextLanguage)
	data["upstream"] = upstreamOutputs(v)
	return data
}

// upstreamOutputs maps every merged ok stage to its raw output.
func upstreamOutputs(v core.StateView) map[string]string {
	out := map[string]string{}
	for _, name := range v.Stages() {
		if res, ok := v.Result(name); ok && res.Status == core.StageStatusOK && len(res.Output) > 0 {
			out[name] = string(res.Output)
		}
	}
	return out
}

// upstreamBlock renders merged upstream outputs sorted by stage name so the
// request does not depend on merge order.
func upstreamBlock(v core.StateView, only ...string) string {
	outputs := upstreamOutputs(v)
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		if len(only) == 0 || slices.Contains(only, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString("Analysis so far:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, outputs[name])
	}
	return b.String()
}

// documentBlock renders long-term context.
func documentBlock(mem core.MemorySnapshot) string {
	if len(mem.Documents) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant history:\n")
	for _, d := range mem.Documents {
		fmt.Fprintf(&b, "- %s\n", d.Content)
	}
	return b.String()
}

// conversation turns the newest limit memory turns plus the inbound message
// into chat messages. The inbound message is not duplicated when the turn
// was already persisted before the run.
func conversation(mem core.MemorySnapshot, input string, limit int) []model.Message {
	turns := mem.Turns
	if n := len(turns); n > 0 && turns[n-1].Role == core.RoleUser && turns[n-1].Content == input {
		turns = turns[:n-1]
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	msgs := make([]model.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := model.RoleUser
		if t.Role == core.RoleAssistant {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Content: t.Content})
	}
	return append(msgs, model.Message{Role: model.RoleUser, Content: input})
}

// joinSections drops empty sections and separates the rest with blank lines.
func joinSections(sections ...string) string {
	kept := make([]string, 0, len(sections))
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
