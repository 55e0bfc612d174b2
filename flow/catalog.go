package flow

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/convomesh/core"
)

// Catalog holds compiled workflows by name. Everything in a catalog has
// passed validation, so runs never see a broken graph.
type Catalog struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewCatalog compiles graphs against src. The first invalid graph aborts.
func NewCatalog(src StageSource, graphs ...Graph) (*Catalog, error) {
	c := &Catalog{workflows: make(map[string]*Workflow, len(graphs))}
	for _, g := range graphs {
		wf, err := Compile(g, src)
		if err != nil {
			return nil, err
		}
		if err := c.Add(wf); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BuiltinCatalog compiles every built-in variant.
func BuiltinCatalog(src StageSource) (*Catalog, error) {
	graphs := make([]Graph, 0, len(builtins))
	for _, name := range BuiltinNames() {
		g, _ := Builtin(name)
		graphs = append(graphs, g)
	}
	return NewCatalog(src, graphs...)
}

// Add registers a compiled workflow. Names are unique.
func (c *Catalog) Add(wf *Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workflows[wf.Name()]; ok {
		return invalid("workflow %q defined twice", wf.Name())
	}
	c.workflows[wf.Name()] = wf
	return nil
}

// Get returns the workflow called name.
func (c *Catalog) Get(name string) (*Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.workflows[name]
	if !ok {
		return nil, core.NewError(core.CodeWorkflowInvalid, fmt.Sprintf("unknown workflow %q", name), nil)
	}
	return wf, nil
}

// Names lists the catalog sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.workflows))
	for name := range c.workflows {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
