package adapters

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ZanzyTHEbar/stepflow"
)

// ToolFunc is the plain Go function behind a GoToolAdapter.
type ToolFunc func(ctx context.Context, params map[string]stepflow.Value) (stepflow.Value, error)

// ToolInfo is the planner-facing description of a tool.
type ToolInfo struct {
	Name        string
	Description string
	Category    string
	Parameters  map[string]string
	Returns     string
	Examples    []string
}

// GoToolAdapter exposes a ToolFunc as a stepflow.Tool.
type GoToolAdapter struct {
	info       ToolInfo
	fn         ToolFunc
	validators []func(map[string]stepflow.Value) error
}

// ToolOption configures a GoToolAdapter.
type ToolOption func(*GoToolAdapter)

// WithValidator adds a parameter check. Checks run in the order they were added.
func WithValidator(validator func(map[string]stepflow.Value) error) ToolOption {
	return func(a *GoToolAdapter) {
		if validator != nil {
			a.validators = append(a.validators, validator)
		}
	}
}

// WithRequired rejects calls missing any of the named params.
func WithRequired(names ...string) ToolOption {
	return WithValidator(func(params map[string]stepflow.Value) error {
		var errs []error
		for _, n := range names {
			if _, ok := params[n]; !ok {
				errs = append(errs, fmt.Errorf("missing required parameter '%s'", n))
			}
		}
		return errors.Join(errs...)
	})
}

func WithCategory(category string) ToolOption {
	return func(a *GoToolAdapter) { a.info.Category = category }
}

func WithDescription(description string) ToolOption {
	return func(a *GoToolAdapter) { a.info.Description = description }
}

// WithParameters describes each accepted parameter by name.
func WithParameters(parameters map[string]string) ToolOption {
	return func(a *GoToolAdapter) { a.info.Parameters = maps.Clone(parameters) }
}

func WithReturns(returns string) ToolOption {
	return func(a *GoToolAdapter) { a.info.Returns = returns }
}

func WithExamples(examples []string) ToolOption {
	return func(a *GoToolAdapter) { a.info.Examples = slices.Clone(examples) }
}

// NewGoToolAdapter wraps fn as the tool called name.
func NewGoToolAdapter(name string, fn ToolFunc, options ...ToolOption) *GoToolAdapter {
	a := &GoToolAdapter{info: ToolInfo{Name: name}, fn: fn}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Execute validates params and calls the wrapped function.
func (a *GoToolAdapter) Execute(ctx context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
	if a.fn == nil {
		return stepflow.Null(), fmt.Errorf("tool '%s' has no function", a.info.Name)
	}
	if err := a.Validate(params); err != nil {
		return stepflow.Null(), stepflow.NewValidationError(fmt.Sprintf("input validation failed for %s", a.info.Name), err)
	}
	return a.fn(ctx, params)
}

// Validate runs every registered check and stops at the first failure.
func (a *GoToolAdapter) Validate(params map[string]stepflow.Value) error {
	for _, check := range a.validators {
		if err := check(params); err != nil {
			return err
		}
	}
	return nil
}

// Info returns a copy of the tool description.
func (a *GoToolAdapter) Info() ToolInfo {
	info := a.info
	info.Parameters = maps.Clone(a.info.Parameters)
	info.Examples = slices.Clone(a.info.Examples)
	return info
}

// Schema renders Info as the loosely typed map planners consume. Empty
// fields are left out.
func (a *GoToolAdapter) Schema() map[string]any {
	info := a.Info()
	schema := map[string]any{"name": info.Name}
	set := func(key, v string) {
		if v != "" {
			schema[key] = v
		}
	}
	set("description", info.Description)
	set("category", info.Category)
	set("returns", info.Returns)
	if len(info.Parameters) > 0 {
		schema["parameters"] = info.Parameters
	}
	if len(info.Examples) > 0 {
		schema["examples"] = info.Examples
	}
	return schema
}

func (a *GoToolAdapter) Name() string { return a.info.Name }
