package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/stepflow"
)

func TestParse(t *testing.T) {
	tests := []struct {
		body string
		step int
		segs []Segment
	}{
		{"step[0]", 0, nil},
		{"step[12].data", 12, []Segment{{Kind: SegmentProperty, Name: "data"}}},
		{"step[0].data[0].id", 0, []Segment{
			{Kind: SegmentProperty, Name: "data"},
			{Kind: SegmentIndex, Index: 0},
			{Kind: SegmentProperty, Name: "id"},
		}},
		{"step[1].data.*.id", 1, []Segment{
			{Kind: SegmentProperty, Name: "data"},
			{Kind: SegmentWildcard},
			{Kind: SegmentProperty, Name: "id"},
		}},
		{"step[2].data[1][3]", 2, []Segment{
			{Kind: SegmentProperty, Name: "data"},
			{Kind: SegmentIndex, Index: 1},
			{Kind: SegmentIndex, Index: 3},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			expr, err := Parse(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.step, expr.Step)
			assert.Equal(t, tt.segs, expr.Segments)
			assert.Equal(t, tt.body, expr.String())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, body := range []string{"step[-1]", "step[a]", "step[0].", "step[0]..id", "step[0].1abc", "steps[0]", "step[0] .id"} {
		_, err := Parse(body)
		assert.Error(t, err, body)
	}
}

func TestIsFullTemplate(t *testing.T) {
	assert.True(t, IsFullTemplate("${step[0].data}"))
	assert.False(t, IsFullTemplate(" ${step[0].data}"))
	assert.False(t, IsFullTemplate("${step[0].data}${step[1].data}"))
	assert.False(t, IsFullTemplate("${other}"))
}

func TestHasTemplates(t *testing.T) {
	assert.False(t, HasTemplates(stepflow.String("plain")))
	assert.False(t, HasTemplates(stepflow.String("${literal}")))
	assert.False(t, HasTemplates(stepflow.Int(3)))
	assert.True(t, HasTemplates(stepflow.Sequence(stepflow.Int(1), stepflow.String("x ${step[0].data}"))))
	assert.True(t, HasTemplates(stepflow.MustFromAny(map[string]any{"a": map[string]any{"b": "${step[2]}"}})))
}

func TestExtractTemplatesAndDependencies(t *testing.T) {
	params := map[string]stepflow.Value{
		"a": stepflow.String("${step[2].data.id}"),
		"b": stepflow.MustFromAny([]any{"${step[0].data}", map[string]any{"c": "x=${step[2].data.n} y=${step[1].data}"}}),
		"d": stepflow.String("${unrelated}"),
	}

	exprs := ExtractTemplates(params["b"])
	require.Len(t, exprs, 3)
	assert.Equal(t, 0, exprs[0].Step)

	assert.Equal(t, []int{0, 1, 2}, StepDependencies(params))
	assert.Empty(t, StepDependencies(map[string]stepflow.Value{"x": stepflow.String("none")}))
}

func TestValidateTemplates(t *testing.T) {
	assert.NoError(t, ValidateTemplates(map[string]stepflow.Value{
		"a": stepflow.String("${step[0].data.items.*.id}"),
		"b": stepflow.String("${price}"),
	}))

	err := ValidateTemplates(map[string]stepflow.Value{
		"bad": stepflow.MustFromAny(map[string]any{"inner": "${step[0].data..id}"}),
	})
	require.Error(t, err)
	assert.True(t, stepflow.HasCode(err, stepflow.ErrCodeValidation))
	assert.Contains(t, err.Error(), "bad")
}
