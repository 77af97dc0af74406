package workflow

import (
	"fmt"

	"github.com/tombee/cascade/pkg/errors"
)

// Plan is the layered execution plan derived from a step sequence. Layer k
// holds the IDs of every step at dependency depth k, in source order. Steps
// within a layer may run in parallel; the only ordering contract is that a
// step's predecessors completed successfully before it starts.
type Plan struct {
	// Layers is the ordered sequence of parallel step-id sets
	Layers [][]string
}

// StepCount returns the total number of planned steps.
func (p *Plan) StepCount() int {
	total := 0
	for _, layer := range p.Layers {
		total += len(layer)
	}
	return total
}

// BuildPlan validates dependency references, rejects cycles, and layers the
// steps by dependency depth: level(s) = 0 when after is empty, else
// 1 + max(level(d)). Both traversals are iterative so deep graphs do not
// exhaust the stack.
func BuildPlan(steps []StepDefinition) (*Plan, error) {
	index := make(map[string]int, len(steps))
	for i := range steps {
		index[steps[i].ID] = i
	}

	for i := range steps {
		for _, dep := range steps[i].After {
			if _, ok := index[dep]; !ok {
				return nil, &errors.ValidationError{
					Field:      "after",
					Message:    fmt.Sprintf("step %q depends on unknown step %q", steps[i].ID, dep),
					Suggestion: "after entries must name existing step ids",
				}
			}
		}
	}

	if cycle := findCycle(steps, index); cycle != "" {
		return nil, &errors.ValidationError{
			Field:      "after",
			Message:    fmt.Sprintf("dependency cycle detected involving step %q", cycle),
			Suggestion: "remove the circular after reference",
		}
	}

	levels := computeLevels(steps, index)

	maxLevel := 0
	for _, lvl := range levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	layers := make([][]string, maxLevel+1)
	// Source order within a layer is the tie-break.
	for i := range steps {
		lvl := levels[i]
		layers[lvl] = append(layers[lvl], steps[i].ID)
	}

	return &Plan{Layers: layers}, nil
}

// findCycle runs an iterative three-color DFS over the after-adjacency and
// returns the ID of a step on a cycle, or "" when the graph is acyclic.
func findCycle(steps []StepDefinition, index map[string]int) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make([]int, len(steps))

	type frame struct {
		node int
		next int // next predecessor index to explore
	}

	for start := range steps {
		if color[start] != white {
			continue
		}

		stack := []frame{{node: start}}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := steps[top.node].After

			if top.next < len(deps) {
				dep := index[deps[top.next]]
				top.next++
				switch color[dep] {
				case gray:
					return steps[dep].ID
				case white:
					color[dep] = gray
					stack = append(stack, frame{node: dep})
				}
				continue
			}

			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}

	return ""
}

// computeLevels assigns dependency depths with an explicit worklist:
// a step is ready once all its predecessors have levels, and its level is
// one more than the deepest predecessor. The graph is known acyclic here.
func computeLevels(steps []StepDefinition, index map[string]int) []int {
	levels := make([]int, len(steps))
	resolved := make([]bool, len(steps))

	// dependents[i] lists the steps waiting on step i.
	dependents := make([][]int, len(steps))
	pending := make([]int, len(steps))

	queue := make([]int, 0, len(steps))
	for i := range steps {
		pending[i] = len(steps[i].After)
		for _, dep := range steps[i].After {
			d := index[dep]
			dependents[d] = append(dependents[d], i)
		}
		if pending[i] == 0 {
			queue = append(queue, i)
			levels[i] = 0
			resolved[i] = true
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, succ := range dependents[node] {
			if levels[node]+1 > levels[succ] {
				levels[succ] = levels[node] + 1
			}
			pending[succ]--
			if pending[succ] == 0 && !resolved[succ] {
				resolved[succ] = true
				queue = append(queue, succ)
			}
		}
	}

	return levels
}
