package stepflow

import "context"

// ToolInvoker performs the side-effecting call behind a step. Implementations
// report tool-level failures through ToolResult.Success/Error and reserve the
// error return for transport problems or cancellation.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]Value) (*ToolResult, error)
}

// ToolInvokerFunc adapts a plain function to ToolInvoker.
type ToolInvokerFunc func(ctx context.Context, tool string, params map[string]Value) (*ToolResult, error)

// Invoke calls f.
func (f ToolInvokerFunc) Invoke(ctx context.Context, tool string, params map[string]Value) (*ToolResult, error) {
	return f(ctx, tool, params)
}

// Tool represents an executable action that can be part of a plan.
type Tool interface {
	// Execute performs the tool's action with already-resolved params.
	Execute(ctx context.Context, params map[string]Value) (Value, error)

	// Schema returns a description of the tool, used by the Planner.
	// Standard keys: "description", "parameters", "returns", and optionally "examples", "category".
	Schema() map[string]any

	// Validate checks if the provided params are valid for this tool.
	Validate(params map[string]Value) error

	// Name returns the tool's name.
	Name() string
}

// PlannerInput is what a Planner receives.
type PlannerInput struct {
	Query       string                    `json:"query"`
	ToolSchemas map[string]map[string]any `json:"tool_schemas"`
}

// Planner is responsible for generating an execution plan from user input.
type Planner interface {
	GeneratePlan(ctx context.Context, input PlannerInput) (*Plan, error)
}

// SolverInput is what a Solver receives.
type SolverInput struct {
	Query   string       `json:"query"`
	Results []StepResult `json:"results"`
}

// Solver synthesizes the final response from step results.
type Solver interface {
	Synthesize(ctx context.Context, input SolverInput) (string, error)
}

// Executor runs a plan and returns exactly one StepResult per step, in step order.
// A non-nil error is reserved for plan-level rejection or cancellation.
type Executor interface {
	Execute(ctx context.Context, plan *Plan) ([]StepResult, error)
}
