package flow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/convomesh/core"
)

// StageSource resolves stage implementations by name.
type StageSource interface {
	Resolve(name string) (core.Stage, error)
}

// StageMap is a fixed StageSource.
type StageMap map[string]core.Stage

// Resolve implements StageSource.
func (m StageMap) Resolve(name string) (core.Stage, error) {
	s, ok := m[name]
	if !ok {
		return nil, invalid("no implementation for stage %q", name)
	}
	return s, nil
}

// Workflow is a validated graph bound to stage implementations. It is
// immutable and safe for concurrent use by many runs.
type Workflow struct {
	graph  Graph
	stages map[string]core.Stage
	deps   map[string][]string
	level  map[string]int
}

// Compile resolves every node through src and validates the result. A
// stage's own declared dependencies must be ancestors of it in the graph.
func Compile(g Graph, src StageSource) (*Workflow, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	w := &Workflow{
		graph:  g,
		stages: make(map[string]core.Stage, len(g.Nodes)),
		deps:   make(map[string][]string, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		s, err := src.Resolve(n.Stage)
		if err != nil {
			return nil, invalid("workflow %s: %v", g.Name, err)
		}
		if s.Name() != n.Stage {
			return nil, invalid("workflow %s: node %q resolved to stage %q", g.Name, n.Stage, s.Name())
		}
		w.stages[n.Stage] = s

		deps := slices.Clone(n.After)
		for _, d := range s.DependsOn() {
			if !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		slices.Sort(deps)
		w.deps[n.Stage] = deps
	}

	for _, n := range g.Nodes {
		for _, d := range w.stages[n.Stage].DependsOn() {
			if _, ok := w.stages[d]; !ok {
				return nil, invalid("workflow %s: stage %q requires %q which is not part of the graph", g.Name, n.Stage, d)
			}
		}
	}

	level, err := levels(g.StageNames(), w.deps)
	if err != nil {
		return nil, invalid("workflow %s: %v", g.Name, err)
	}
	w.level = level

	return w, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(g Graph, src StageSource) *Workflow {
	w, err := Compile(g, src)
	if err != nil {
		panic(err)
	}
	return w
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.graph.Name }

// Graph returns the source graph.
func (w *Workflow) Graph() Graph { return w.graph }

// Stage returns the implementation of name.
func (w *Workflow) Stage(name string) (core.Stage, bool) {
	s, ok := w.stages[name]
	return s, ok
}

// Stages lists stage names in declaration order.
func (w *Workflow) Stages() []string { return w.graph.StageNames() }

// Deps returns the effective dependencies of name: graph edges plus the
// stage's own declared dependencies, sorted.
func (w *Workflow) Deps(name string) []string { return slices.Clone(w.deps[name]) }

// Response returns the stage producing the reply.
func (w *Workflow) Response() string { return w.graph.Response }

// Outputs returns the terminal stages whose outputs are returned with runs.
func (w *Workflow) Outputs() []string {
	if len(w.graph.Outputs) == 0 && w.graph.Response != "" {
		return []string{w.graph.Response}
	}
	return slices.Clone(w.graph.Outputs)
}

// Ready returns the stages not in done whose dependencies are all in done,
// in declaration order.
func (w *Workflow) Ready(done map[string]bool) []string {
	var ready []string
	for _, name := range w.graph.StageNames() {
		if done[name] {
			continue
		}
		ok := true
		for _, d := range w.deps[name] {
			if !done[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Waves groups stages by dependency depth. Stages in one wave never depend
// on each other. Names within a wave are sorted.
func (w *Workflow) Waves() [][]string {
	var waves [][]string
	for _, name := range w.graph.StageNames() {
		lvl := w.level[name]
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
		waves[lvl] = append(waves[lvl], name)
	}
	for _, wave := range waves {
		slices.Sort(wave)
	}
	return waves
}

// Order returns a topological order of all stages.
func (w *Workflow) Order() []string {
	var order []string
	for _, wave := range w.Waves() {
		order = append(order, wave...)
	}
	return order
}

// Describe renders a stable, human readable summary of the workflow.
func (w *Workflow) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow: %s\n", w.graph.Name)
	fmt.Fprintf(&b, "response: %s\n", orNone(w.graph.Response))
	fmt.Fprintf(&b, "outputs: %s\n", orNone(strings.Join(w.Outputs(), ", ")))
	for i, wave := range w.Waves() {
		fmt.Fprintf(&b, "wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	for _, name := range w.graph.StageNames() {
		s := w.stages[name]
		fmt.Fprintf(&b, "stage %s: type=%s policy=%s short-circuit=%t after=[%s]\n",
			name, s.Kind(), s.Policy(), s.MayShortCircuit(), strings.Join(w.deps[name], " "))
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
