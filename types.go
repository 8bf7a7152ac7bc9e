package stepflow

import (
	"time"
)

// Step is a single tool invocation in a Plan. Steps are identified purely by
// their zero-based position in the Plan.
type Step struct {
	Tool   string           `json:"tool" yaml:"tool"`
	Params map[string]Value `json:"params,omitempty" yaml:"params,omitempty"`
	// DependsOn lists earlier step indices that must settle before this step runs.
	DependsOn []int `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Parallel is an advisory planner hint. Scheduling is derived from dependencies only.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	// When is an optional guard expression; the step runs only if it evaluates to true.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// PlanMetadata describes where a plan came from.
type PlanMetadata struct {
	Query     string         `json:"query,omitempty" yaml:"query,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Plan is an ordered list of steps. A Plan is treated as immutable once submitted.
type Plan struct {
	Steps    []Step        `json:"steps" yaml:"steps"`
	Metadata *PlanMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewPlan builds a Plan from steps, stamping metadata with the originating query.
func NewPlan(query string, steps ...Step) *Plan {
	return &Plan{
		Steps: steps,
		Metadata: &PlanMetadata{
			Query:     query,
			Timestamp: time.Now().UTC(),
		},
	}
}

// GetStepCount returns the number of steps in the plan.
func (p *Plan) GetStepCount() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Query returns the originating query, if recorded.
func (p *Plan) Query() string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	return p.Metadata.Query
}

// ToolError is the structured error a Tool Invoker reports.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so tool failures can flow through error returns.
func (e *ToolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ToolMetadata carries timing information about one invocation.
type ToolMetadata struct {
	ExecutionTimeMs int64     `json:"executionTime_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

// ToolResult is what a ToolInvoker returns for one call.
type ToolResult struct {
	Success  bool         `json:"success"`
	Data     Value        `json:"data,omitempty"`
	Error    *ToolError   `json:"error,omitempty"`
	Metadata ToolMetadata `json:"metadata"`
}

// StepResult is the recorded outcome of one step. Entries are write-once.
type StepResult struct {
	StepIndex int              `json:"stepIndex"`
	Success   bool             `json:"success"`
	Data      Value            `json:"data"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"errorCode,omitempty"`
	Tool      string           `json:"tool"`
	Params    map[string]Value `json:"params"`
	Timestamp time.Time        `json:"timestamp"`
	Duration  time.Duration    `json:"duration"`
}

// Failed builds a failed StepResult for step index from err.
func Failed(index int, tool string, params map[string]Value, err error) *StepResult {
	r := &StepResult{
		StepIndex: index,
		Success:   false,
		Tool:      tool,
		Params:    params,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		r.ErrorCode = CodeOf(err)
		if sfErr, ok := err.(*StepflowError); ok {
			r.Error = sfErr.Message
			if sfErr.Cause != nil {
				r.Error += ": " + sfErr.Cause.Error()
			}
		} else {
			r.Error = err.Error()
		}
	}
	return r
}

// AsValue exposes the result as a Map so template paths can start from the result object itself.
func (r *StepResult) AsValue() Value {
	params := make(map[string]Value, len(r.Params))
	for k, v := range r.Params {
		params[k] = v
	}
	errVal := Null()
	if r.Error != "" {
		errVal = String(r.Error)
	}
	return Map(map[string]Value{
		"stepIndex": Int(r.StepIndex),
		"success":   Bool(r.Success),
		"data":      r.Data,
		"error":     errVal,
		"tool":      String(r.Tool),
		"params":    Map(params),
		"timestamp": String(r.Timestamp.Format(time.RFC3339Nano)),
	})
}
