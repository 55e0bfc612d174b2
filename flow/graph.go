// Package flow describes workflows as explicit directed acyclic graphs of
// named stages.
//
// A Graph is plain data: nodes name a stage and the stages it must run
// after. Compile resolves the stage implementations, validates the graph and
// produces a Workflow the engine can schedule. Every configuration error
// (cycles, unknown stages, unresolvable dependencies) surfaces here, before
// any run is accepted.
package flow

import (
	"fmt"
	"slices"

	"github.com/hupe1980/convomesh/core"
)

// Node is one stage in a graph.
type Node struct {
	Stage string `yaml:"stage" json:"stage"`
	// After lists stages whose merged results must exist before Stage runs.
	After []string `yaml:"after,omitempty" json:"after,omitempty"`
}

// Graph is a named workflow definition.
type Graph struct {
	Name  string `yaml:"name" json:"name"`
	Nodes []Node `yaml:"nodes" json:"nodes"`
	// Response names the terminal stage whose output becomes the reply.
	Response string `yaml:"response" json:"response"`
	// Outputs names terminal stages whose raw outputs are returned with the run.
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Node returns the node for stage.
func (g Graph) Node(stage string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Stage == stage {
			return n, true
		}
	}
	return Node{}, false
}

// StageNames lists node stages in declaration order.
func (g Graph) StageNames() []string {
	names := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		names[i] = n.Stage
	}
	return names
}

// Validate checks the graph shape: unique nodes, known edge targets,
// acyclicity and terminal stages that exist.
func (g Graph) Validate() error {
	if g.Name == "" {
		return invalid("workflow name is required")
	}
	if len(g.Nodes) == 0 {
		return invalid("workflow %s has no stages", g.Name)
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Stage == "" {
			return invalid("workflow %s: node without stage name", g.Name)
		}
		if seen[n.Stage] {
			return invalid("workflow %s: duplicate stage %q", g.Name, n.Stage)
		}
		seen[n.Stage] = true
	}

	for _, n := range g.Nodes {
		for _, dep := range n.After {
			if dep == n.Stage {
				return invalid("workflow %s: stage %q depends on itself", g.Name, n.Stage)
			}
			if !seen[dep] {
				return invalid("workflow %s: stage %q depends on unknown stage %q", g.Name, n.Stage, dep)
			}
		}
	}

	if _, err := levels(g.StageNames(), g.edges()); err != nil {
		return invalid("workflow %s: %v", g.Name, err)
	}

	if g.Response != "" && !seen[g.Response] {
		return invalid("workflow %s: response stage %q is not part of the graph", g.Name, g.Response)
	}
	for _, o := range g.Outputs {
		if !seen[o] {
			return invalid("workflow %s: output stage %q is not part of the graph", g.Name, o)
		}
	}
	return nil
}

func (g Graph) edges() map[string][]string {
	deps := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		deps[n.Stage] = slices.Clone(n.After)
	}
	return deps
}

// levels assigns every stage the length of its longest dependency chain.
// Stages on the same level have no path between them. It fails on cycles.
func levels(names []string, deps map[string][]string) (map[string]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	level := make(map[string]int, len(names))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle %v", append(path, name))
		}
		state[name] = visiting
		lvl := 0
		for _, dep := range deps[name] {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
			lvl = max(lvl, level[dep]+1)
		}
		level[name] = lvl
		state[name] = done
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return level, nil
}

func invalid(format string, args ...any) error {
	return core.NewError(core.CodeWorkflowInvalid, fmt.Sprintf(format, args...), nil)
}
