// Package registry holds the static declaration of action types and their
// dependency DAG. Registration is finished before the run starts; the
// registry is read-only afterwards.
package registry

import (
	"fmt"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

// Registry maps action type names to their declarations and validates the
// predecessor graph. Adjacency is kept by name, never by live references, so
// cycle checks run over plain declaration data.
type Registry struct {
	types map[string]orchestrator.ActionType
	// order preserves declaration order for deterministic tie-breaking.
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]orchestrator.ActionType)}
}

// Register adds an action type. It fails with ErrDuplicateActionType when
// the name is taken and with ErrCyclicDependency when the declared
// predecessor edge would close a cycle. Predecessors may name types that
// register later; Validate catches names that never arrive.
func (r *Registry) Register(at orchestrator.ActionType) error {
	if at.Name == "" {
		return fmt.Errorf("action type name is required")
	}
	if at.Handler == nil {
		return fmt.Errorf("action type %q: handler is required", at.Name)
	}
	if _, exists := r.types[at.Name]; exists {
		return fmt.Errorf("%w: %s", orchestrator.ErrDuplicateActionType, at.Name)
	}
	if cycle := r.findCycle(at); cycle != nil {
		return fmt.Errorf("%w: %s", orchestrator.ErrCyclicDependency, formatCycle(cycle))
	}
	r.types[at.Name] = at
	r.order = append(r.order, at.Name)
	return nil
}

// findCycle walks the predecessor chain that would exist after adding at.
// Every node has at most one predecessor, so the walk either terminates at a
// seed type or revisits a name.
func (r *Registry) findCycle(at orchestrator.ActionType) []string {
	if at.Predecessor == "" {
		return nil
	}
	seen := map[string]bool{at.Name: true}
	path := []string{at.Name}
	cur := at.Predecessor
	for cur != "" {
		path = append(path, cur)
		if seen[cur] {
			return path
		}
		seen[cur] = true
		next, ok := r.types[cur]
		if !ok {
			// Unresolved forward reference; no cycle through it yet.
			return nil
		}
		cur = next.Predecessor
	}
	return nil
}

// Validate checks that every declared predecessor was eventually registered.
// It runs once at startup, before any execution.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		pred := r.types[name].Predecessor
		if pred == "" {
			continue
		}
		if _, ok := r.types[pred]; !ok {
			return fmt.Errorf("%w: %s (predecessor of %s)", orchestrator.ErrUnknownActionType, pred, name)
		}
	}
	return nil
}

// Lookup returns the declaration for name.
func (r *Registry) Lookup(name string) (orchestrator.ActionType, bool) {
	at, ok := r.types[name]
	return at, ok
}

// Len reports the number of registered types.
func (r *Registry) Len() int { return len(r.order) }

// Types returns all declarations in declaration order.
func (r *Registry) Types() []orchestrator.ActionType {
	out := make([]orchestrator.ActionType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// ResolveOrder returns a topological ordering of action type names using
// Kahn's algorithm over the declared predecessor edges. Ready candidates are
// consumed in declaration order, so the result is stable and deterministic.
func (r *Registry) ResolveOrder() []string {
	indeg := make(map[string]int, len(r.order))
	succ := make(map[string][]string, len(r.order))
	for _, name := range r.order {
		at := r.types[name]
		if at.Predecessor == "" {
			continue
		}
		if _, ok := r.types[at.Predecessor]; !ok {
			continue
		}
		indeg[name]++
		succ[at.Predecessor] = append(succ[at.Predecessor], name)
	}

	out := make([]string, 0, len(r.order))
	ready := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)
		for _, next := range succ[name] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

func formatCycle(path []string) string {
	out := ""
	for i, name := range path {
		if i > 0 {
			out += " -> "
		}
		out += name
	}
	return out
}
