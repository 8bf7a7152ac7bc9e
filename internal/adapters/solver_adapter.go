package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/firebase/genkit/go/core"
)

// GenkitSolverAdapter uses a Genkit Flow to implement the Solver interface.
type GenkitSolverAdapter struct {
	solverFlow FlowRunner[*stepflow.SolverInput, string]
}

// NewGenkitSolverAdapter creates a new adapter for the solver flow.
func NewGenkitSolverAdapter(flow *core.Flow[*stepflow.SolverInput, string, struct{}]) *GenkitSolverAdapter {
	return NewFlowSolverAdapter(flow)
}

// NewFlowSolverAdapter creates a solver over any flow runner.
func NewFlowSolverAdapter(flow FlowRunner[*stepflow.SolverInput, string]) *GenkitSolverAdapter {
	return &GenkitSolverAdapter{solverFlow: flow}
}

// Synthesize implements the stepflow.Solver interface.
func (a *GenkitSolverAdapter) Synthesize(ctx context.Context, input stepflow.SolverInput) (string, error) {
	if a.solverFlow == nil {
		return "", stepflow.NewConfigurationError("solver flow is not configured", nil)
	}
	answer, err := a.solverFlow.Run(ctx, &input)
	if err != nil {
		return "", stepflow.NewSynthesisError(err)
	}
	return answer, nil
}

// SummarySolver answers without a model by listing each step's outcome.
type SummarySolver struct{}

// Synthesize implements the stepflow.Solver interface.
func (SummarySolver) Synthesize(_ context.Context, input stepflow.SolverInput) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the query '%s':\n", input.Query)
	for _, r := range input.Results {
		if r.Success {
			fmt.Fprintf(&b, "- step %d (%s): %s\n", r.StepIndex, r.Tool, r.Data.Text())
		} else {
			fmt.Fprintf(&b, "- step %d (%s) failed [%s]: %s\n", r.StepIndex, r.Tool, r.ErrorCode, r.Error)
		}
	}
	return b.String(), nil
}

// StaticPlanner returns the same plan for every query. Useful for plan files and demos.
type StaticPlanner struct {
	Plan *stepflow.Plan
}

// GeneratePlan implements the stepflow.Planner interface.
func (p StaticPlanner) GeneratePlan(_ context.Context, input stepflow.PlannerInput) (*stepflow.Plan, error) {
	if p.Plan == nil || len(p.Plan.Steps) == 0 {
		return nil, stepflow.NewPlanGenerationError(fmt.Errorf("no plan configured"))
	}
	plan := clonePlan(p.Plan)
	if plan.Metadata == nil {
		plan.Metadata = &stepflow.PlanMetadata{}
	}
	plan.Metadata.Query = input.Query
	return plan, nil
}
