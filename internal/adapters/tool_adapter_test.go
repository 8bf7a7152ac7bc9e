package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
	return stepflow.Map(params), nil
}

func TestGoToolAdapter_Execute_SuccessAndFailure(t *testing.T) {
	adapter := NewGoToolAdapter("echo", echo)
	res, err := adapter.Execute(context.Background(), map[string]stepflow.Value{"x": stepflow.Int(1)})
	require.NoError(t, err)
	v, ok := res.Get("x")
	require.True(t, ok)
	assert.Equal(t, stepflow.Int(1), v)

	failing := NewGoToolAdapter("fail", func(context.Context, map[string]stepflow.Value) (stepflow.Value, error) {
		return stepflow.Null(), errors.New("fail")
	})
	_, err = failing.Execute(context.Background(), nil)
	assert.EqualError(t, err, "fail")

	_, err = NewGoToolAdapter("nil", nil).Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestGoToolAdapter_Validate(t *testing.T) {
	adapter := NewGoToolAdapter("echo", echo, WithRequired("city"))
	assert.Error(t, adapter.Validate(map[string]stepflow.Value{}))
	assert.NoError(t, adapter.Validate(map[string]stepflow.Value{"city": stepflow.String("Berlin")}))

	_, err := adapter.Execute(context.Background(), map[string]stepflow.Value{})
	require.Error(t, err)
	assert.True(t, stepflow.HasCode(err, stepflow.ErrCodeValidation))
	assert.Contains(t, err.Error(), "missing required parameter 'city'")
}

func TestGoToolAdapter_Schema(t *testing.T) {
	adapter := NewGoToolAdapter("echo", echo,
		WithDescription("Echoes its params."),
		WithCategory("Debug"),
		WithParameters(map[string]string{"any": "anything"}),
		WithReturns("The params map."),
		WithExamples([]string{"echo x=1"}),
	)
	schema := adapter.Schema()
	assert.Equal(t, "echo", schema["name"])
	assert.Equal(t, "Echoes its params.", schema["description"])
	assert.Equal(t, "Debug", schema["category"])
	assert.Equal(t, "The params map.", schema["returns"])
	assert.Equal(t, []string{"echo x=1"}, schema["examples"])
	assert.Equal(t, "echo", adapter.Name())
}

func TestToolRegistry_Invoke(t *testing.T) {
	reg := NewToolRegistry(nil,
		NewGoToolAdapter("echo", echo, WithRequired("x")),
		NewGoToolAdapter("broken", func(context.Context, map[string]stepflow.Value) (stepflow.Value, error) {
			return stepflow.Null(), &stepflow.ToolError{Code: "UPSTREAM", Message: "API timeout"}
		}),
		NewGoToolAdapter("plain", func(context.Context, map[string]stepflow.Value) (stepflow.Value, error) {
			return stepflow.Null(), errors.New("disk full")
		}),
	)
	assert.Equal(t, []string{"broken", "echo", "plain"}, reg.Names())
	assert.Len(t, reg.Schemas(), 3)

	ctx := context.Background()
	res, err := reg.Invoke(ctx, "echo", map[string]stepflow.Value{"x": stepflow.String("y")})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Metadata.Timestamp.IsZero())

	res, err = reg.Invoke(ctx, "echo", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, stepflow.ErrCodeValidation, res.Error.Code)

	res, err = reg.Invoke(ctx, "broken", nil)
	require.NoError(t, err)
	assert.Equal(t, &stepflow.ToolError{Code: "UPSTREAM", Message: "API timeout"}, res.Error)

	res, err = reg.Invoke(ctx, "plain", nil)
	require.NoError(t, err)
	assert.Equal(t, stepflow.ErrCodeToolExecution, res.Error.Code)
	assert.Equal(t, "disk full", res.Error.Message)

	_, err = reg.Invoke(ctx, "missing", nil)
	assert.True(t, stepflow.HasCode(err, stepflow.ErrCodeToolNotFound))
}

func TestToolRegistry_CancelledContextIsAnError(t *testing.T) {
	reg := NewToolRegistry(nil, NewGoToolAdapter("wait", func(ctx context.Context, _ map[string]stepflow.Value) (stepflow.Value, error) {
		<-ctx.Done()
		return stepflow.Null(), ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Invoke(ctx, "wait", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoToolAdapter_ValidatorsCompose(t *testing.T) {
	var calls []string
	adapter := NewGoToolAdapter("echo", echo,
		WithRequired("city", "country"),
		WithValidator(func(map[string]stepflow.Value) error {
			calls = append(calls, "custom")
			return errors.New("custom rejected")
		}),
	)

	err := adapter.Validate(map[string]stepflow.Value{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'city'")
	assert.Contains(t, err.Error(), "'country'")
	assert.Empty(t, calls)

	err = adapter.Validate(map[string]stepflow.Value{"city": stepflow.String("Berlin"), "country": stepflow.String("DE")})
	assert.EqualError(t, err, "custom rejected")
	assert.Equal(t, []string{"custom"}, calls)
}

func TestGoToolAdapter_InfoIsACopy(t *testing.T) {
	adapter := NewGoToolAdapter("echo", echo, WithParameters(map[string]string{"x": "anything"}))
	info := adapter.Info()
	info.Parameters["x"] = "changed"
	assert.Equal(t, "anything", adapter.Info().Parameters["x"])

	bare := NewGoToolAdapter("bare", echo).Schema()
	assert.Equal(t, map[string]any{"name": "bare"}, bare)
}
