package executor

import (
	"fmt"
	"sort"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/resolver"
)

// node is one step with its dependency edges split by origin.
type node struct {
	index     int
	explicit  []int
	implicit  []int
	deps      []int
	condition *resolver.Condition
}

// Graph is the validated dependency structure of a plan. Every edge points
// at an earlier step, so a Graph is acyclic by construction.
type Graph struct {
	nodes []node
}

// BuildGraph validates plan and derives each step's dependencies from its
// depends_on list, the step references in its params and its guard condition.
func BuildGraph(plan *stepflow.Plan) (*Graph, error) {
	if plan == nil {
		return nil, stepflow.NewValidationError("plan is nil", nil)
	}

	g := &Graph{nodes: make([]node, len(plan.Steps))}
	for i, step := range plan.Steps {
		if step.Tool == "" {
			return nil, stepflow.NewValidationError(fmt.Sprintf("step %d has no tool", i), nil)
		}
		if err := resolver.ValidateTemplates(step.Params); err != nil {
			return nil, stepflow.NewValidationError(fmt.Sprintf("step %d has a malformed reference", i), err)
		}

		n := node{index: i}
		for _, d := range step.DependsOn {
			if err := checkEdge(i, d, "depends_on"); err != nil {
				return nil, err
			}
		}
		n.explicit = dedupe(step.DependsOn)

		n.implicit = resolver.StepDependencies(step.Params)
		for _, d := range n.implicit {
			if err := checkEdge(i, d, "params"); err != nil {
				return nil, err
			}
		}

		var condDeps []int
		if step.When != "" {
			cond, err := resolver.ParseCondition(step.When)
			if err != nil {
				return nil, stepflow.NewValidationError(fmt.Sprintf("step %d has an invalid condition", i), err)
			}
			condDeps = cond.Dependencies()
			for _, d := range condDeps {
				if err := checkEdge(i, d, "when"); err != nil {
					return nil, err
				}
			}
			n.condition = cond
		}

		n.deps = dedupe(append(append(append([]int{}, n.explicit...), n.implicit...), condDeps...))
		g.nodes[i] = n
	}
	return g, nil
}

func checkEdge(step, dep int, origin string) error {
	switch {
	case dep < 0:
		return stepflow.NewValidationError(fmt.Sprintf("step %d references negative step %d in %s", step, dep, origin), nil)
	case dep == step:
		return stepflow.NewValidationError(fmt.Sprintf("step %d references itself in %s", step, origin), nil)
	case dep > step:
		return stepflow.NewValidationError(fmt.Sprintf("step %d references later step %d in %s", step, dep, origin), nil)
	}
	return nil
}

func dedupe(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns the sorted dependencies of step i.
func (g *Graph) Dependencies(i int) []int {
	return append([]int(nil), g.nodes[i].deps...)
}

// nextWave returns, in ascending order, every step not yet scheduled whose
// dependencies are all settled, and marks them scheduled.
func (g *Graph) nextWave(scheduled []bool, settled func(int) bool) []int {
	var wave []int
	for i, n := range g.nodes {
		if scheduled[i] {
			continue
		}
		ready := true
		for _, d := range n.deps {
			if !settled(d) {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, i)
		}
	}
	for _, i := range wave {
		scheduled[i] = true
	}
	return wave
}

// Waves partitions the graph into the waves the executor would run,
// assuming every step settles.
func (g *Graph) Waves() [][]int {
	scheduled := make([]bool, len(g.nodes))
	done := make([]bool, len(g.nodes))
	var waves [][]int
	for {
		wave := g.nextWave(scheduled, func(i int) bool { return i < len(done) && done[i] })
		if len(wave) == 0 {
			return waves
		}
		for _, i := range wave {
			done[i] = true
		}
		waves = append(waves, wave)
	}
}

// Waves validates plan and returns its wave partition.
func Waves(plan *stepflow.Plan) ([][]int, error) {
	g, err := BuildGraph(plan)
	if err != nil {
		return nil, err
	}
	return g.Waves(), nil
}
