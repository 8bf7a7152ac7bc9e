package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/stepflow"
)

func TestCondition_Evaluate(t *testing.T) {
	src := results{
		0: ok(0, []any{map[string]any{"id": "F1"}, map[string]any{"id": "F2"}}),
		1: ok(1, map[string]any{"city": "Berlin", "count": 3.0}),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"len(${step[0].data}) > 1", true},
		{"${step[1].data.count} >= 5", false},
		{"${step[1].data.city} == 'Berlin' && ${step[1].data.count} == 3", true},
		{"empty(${step[0].data.*.missing})", true},
		{"true", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := ParseCondition(tt.expr)
			require.NoError(t, err)
			got, err := c.Evaluate(src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_Dependencies(t *testing.T) {
	c, err := ParseCondition("${step[3].data} > ${step[1].data} || ${step[3].success}")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, c.Dependencies())
}

func TestCondition_NonBoolResult(t *testing.T) {
	c, err := ParseCondition("1 + 2")
	require.NoError(t, err)
	_, err = c.Evaluate(results{})
	require.Error(t, err)
	assert.True(t, stepflow.HasCode(err, stepflow.ErrCodeTypeMismatch))
}

func TestCondition_UpstreamFailure(t *testing.T) {
	c, err := ParseCondition("${step[0].data.ok} == true")
	require.NoError(t, err)
	_, err = c.Evaluate(results{0: {StepIndex: 0, Error: "boom"}})
	require.Error(t, err)
	assert.True(t, IsShortCircuit(err))
}

func TestValidateCondition(t *testing.T) {
	assert.NoError(t, ValidateCondition("${step[0].data.n} + 2 > 3"))
	assert.Error(t, ValidateCondition("1 + "))
	assert.Error(t, ValidateCondition("   "))
	assert.Error(t, ValidateCondition("${step[zz]} > 1"))
}

func TestParseCondition_ReferenceInsideQuotes(t *testing.T) {
	for _, expr := range []string{
		"'${step[0].data.x}' == 'a'",
		`"${step[0].data.x}" == "a"`,
		`'it\'s ${step[0].data.x}' == 'a'`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseCondition(expr)
			require.Error(t, err)
			assert.True(t, stepflow.HasCode(err, stepflow.ErrCodeValidation))
			assert.Contains(t, err.Error(), "inside a quoted string")
		})
	}

	c, err := ParseCondition("${step[0].data.x} == 'a' && 'b' != ${step[0].data.x}")
	require.NoError(t, err)
	got, err := c.Evaluate(results{0: ok(0, map[string]any{"x": "a"})})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRegisterFunction(t *testing.T) {
	called := false
	RegisterFunction("isEven", func(args ...any) (any, error) {
		called = true
		return int(args[0].(float64))%2 == 0, nil
	})

	c, err := ParseCondition("isEven(${step[0].data})")
	require.NoError(t, err)
	got, err := c.Evaluate(results{0: ok(0, 4.0)})
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, called)
}
