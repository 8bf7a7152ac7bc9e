package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/stepflow"
)

// ToolRegistry holds in-process tools and invokes them by name.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]stepflow.Tool
	logger *slog.Logger
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(logger *slog.Logger, tools ...stepflow.Tool) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ToolRegistry{tools: make(map[string]stepflow.Tool, len(tools)), logger: logger}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool stepflow.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Lookup returns the named tool.
func (r *ToolRegistry) Lookup(name string) (stepflow.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every tool's schema keyed by name, as handed to a Planner.
func (r *ToolRegistry) Schemas() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.tools))
	for n, t := range r.tools {
		out[n] = t.Schema()
	}
	return out
}

// Invoke implements stepflow.ToolInvoker. Validation and execution failures
// are reported in the ToolResult; an unknown tool is an error.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, params map[string]stepflow.Value) (*stepflow.ToolResult, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, stepflow.NewToolNotFoundError("execution", name)
	}

	start := time.Now()
	result := &stepflow.ToolResult{Metadata: stepflow.ToolMetadata{Timestamp: start.UTC()}}

	if err := tool.Validate(params); err != nil {
		result.Error = &stepflow.ToolError{Code: stepflow.ErrCodeValidation, Message: fmt.Sprintf("invalid params for %s: %v", name, err)}
		return result, nil
	}

	data, err := tool.Execute(ctx, params)
	result.Metadata.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		r.logger.Debug("tool returned error", "tool", name, "error", err)
		result.Error = toolError(err)
		return result, nil
	}
	result.Success = true
	result.Data = data
	return result, nil
}

func toolError(err error) *stepflow.ToolError {
	var te *stepflow.ToolError
	if errors.As(err, &te) {
		return te
	}
	var sfErr *stepflow.StepflowError
	if errors.As(err, &sfErr) {
		msg := sfErr.Message
		if sfErr.Cause != nil {
			msg += ": " + sfErr.Cause.Error()
		}
		return &stepflow.ToolError{Code: sfErr.Code, Message: msg}
	}
	return &stepflow.ToolError{Code: stepflow.ErrCodeToolExecution, Message: err.Error()}
}
