// Package dag validates workflow specifications and answers readiness
// queries over the resulting dependency graph. Steps are held in an arena
// indexed by position, with integer adjacency lists in both directions, so
// readiness evaluation and cycle detection never chase pointers and the
// graph is safe for concurrent reads.
package dag

import (
	"fmt"
	"strings"

	"github.com/nidhogg/overseer/internal/workflow"
)

// CycleError reports a circular dependency, naming the steps on the cycle.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Steps, " -> "))
}

// ReferenceError reports a dependency on a step id that does not exist.
type ReferenceError struct {
	StepID  string
	Missing string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.Missing)
}

// Graph is a validated workflow DAG. It is immutable after Build and holds
// no references to storage.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       [][]int // prerequisites of each step
	dependents [][]int // steps that depend on each step
}

// Build validates a spec and constructs its dependency graph. It rejects
// empty or duplicate step ids, dangling dependency references and cycles.
// No run state exists yet when Build fails; the caller surfaces the error
// to the submitter directly.
func Build(spec *workflow.Spec) (*Graph, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}

	g := &Graph{
		ids:        make([]string, len(spec.Steps)),
		index:      make(map[string]int, len(spec.Steps)),
		deps:       make([][]int, len(spec.Steps)),
		dependents: make([][]int, len(spec.Steps)),
	}

	for i, step := range spec.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := g.index[step.ID]; exists {
			return nil, fmt.Errorf("duplicate step id: %s", step.ID)
		}
		g.ids[i] = step.ID
		g.index[step.ID] = i
	}

	for stepID, prereqs := range spec.Dependencies {
		si, ok := g.index[stepID]
		if !ok {
			return nil, &ReferenceError{StepID: stepID, Missing: stepID}
		}
		for _, dep := range prereqs {
			di, ok := g.index[dep]
			if !ok {
				return nil, &ReferenceError{StepID: stepID, Missing: dep}
			}
			g.deps[si] = append(g.deps[si], di)
			g.dependents[di] = append(g.dependents[di], si)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Steps: cycle}
	}
	return g, nil
}

const (
	unvisited = iota
	visiting
	visited
)

// findCycle runs a DFS with a visiting marker; any back-edge is a cycle.
func (g *Graph) findCycle() []string {
	state := make([]int, len(g.ids))
	var stack []int

	var visit func(i int) []string
	visit = func(i int) []string {
		state[i] = visiting
		stack = append(stack, i)
		for _, dep := range g.deps[i] {
			switch state[dep] {
			case visiting:
				// Back-edge: the cycle is the stack suffix starting at dep.
				var cycle []string
				for j := len(stack) - 1; j >= 0; j-- {
					cycle = append([]string{g.ids[stack[j]]}, cycle...)
					if stack[j] == dep {
						break
					}
				}
				return append(cycle, g.ids[dep])
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		state[i] = visited
		stack = stack[:len(stack)-1]
		return nil
	}

	for i := range g.ids {
		if state[i] == unvisited {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns step ids in spec order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// Dependencies returns the prerequisite step ids of the given step.
func (g *Graph) Dependencies(stepID string) []string {
	i, ok := g.index[stepID]
	if !ok {
		return nil
	}
	out := make([]string, len(g.deps[i]))
	for j, d := range g.deps[i] {
		out[j] = g.ids[d]
	}
	return out
}

// Dependents returns the step ids that directly depend on the given step.
func (g *Graph) Dependents(stepID string) []string {
	i, ok := g.index[stepID]
	if !ok {
		return nil
	}
	out := make([]string, len(g.dependents[i]))
	for j, d := range g.dependents[i] {
		out[j] = g.ids[d]
	}
	return out
}

// TransitiveDependents returns every step whose dependency chain includes
// the given step, in spec order. Used to propagate skips after a terminal
// step failure.
func (g *Graph) TransitiveDependents(stepID string) []string {
	start, ok := g.index[stepID]
	if !ok {
		return nil
	}
	reached := make([]bool, len(g.ids))
	queue := []int{start}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[i] {
			if !reached[d] {
				reached[d] = true
				queue = append(queue, d)
			}
		}
	}
	var out []string
	for i, r := range reached {
		if r {
			out = append(out, g.ids[i])
		}
	}
	return out
}

// Ready returns, in spec order, every step whose prerequisites are all in
// completed and which is not in excluded. The excluded set covers steps
// already dispatched, terminal or skipped; the function is pure and is
// re-evaluated after every step transition.
func (g *Graph) Ready(completed, excluded map[string]struct{}) []string {
	var out []string
	for i, id := range g.ids {
		if _, skip := excluded[id]; skip {
			continue
		}
		ready := true
		for _, d := range g.deps[i] {
			if _, done := completed[g.ids[d]]; !done {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}
