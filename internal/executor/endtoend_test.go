package executor

import (
	"context"
	"testing"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/adapters"
	"github.com/ZanzyTHEbar/stepflow/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoRegistry() *adapters.ToolRegistry {
	return adapters.NewToolRegistry(nil, tools.SetupTools(tools.DemoDataset(), nil)...)
}

func TestEndToEnd_BerlinShipments(t *testing.T) {
	plan := stepflow.NewPlan("Show shipments for Berlin facilities",
		step("facilities_list", map[string]any{"city": "Berlin"}),
		step("shipments_list", map[string]any{"facility_id": "${step[0].data[0].id}"}),
	)

	results, err := NewExecutor(demoRegistry()).Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success, results[0].Error)
	require.True(t, results[1].Success, results[1].Error)

	assert.Equal(t, stepflow.String("F1"), results[1].Params["facility_id"])
	assert.Equal(t, 2, results[1].Data.Len())
}

func TestEndToEnd_WildcardFanIn(t *testing.T) {
	plan := stepflow.NewPlan("Pending Berlin shipment weight",
		step("facilities_list", map[string]any{"city": "Berlin"}),
		step("shipments_list", map[string]any{"facility_ids": "${step[0].data.*.id}", "status": "pending"}),
		step("calculate", map[string]any{
			"expression": "count * 10",
			"vars":       map[string]any{"count": "${step[1].data[0].weight_kg}"},
		}),
	)
	plan.Steps[2].When = "len(${step[1].data}) == 1"

	results, err := NewExecutor(demoRegistry()).Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	ids := results[1].Params["facility_ids"]
	assert.True(t, stepflow.Sequence(stepflow.String("F1"), stepflow.String("F2")).Equal(ids))
	assert.Equal(t, stepflow.Number(3000), results[2].Data)
}

func TestEndToEnd_ValidationFailureFromRegistry(t *testing.T) {
	plan := stepflow.NewPlan("q",
		step("facilities_list", map[string]any{"city": "Nowhere"}),
		step("shipments_list", map[string]any{"facility_id": "${step[0].data[0].id}"}),
		step("shipments_list", map[string]any{}),
	)
	results, err := NewExecutor(demoRegistry()).Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, stepflow.ErrCodeIndexOutOfBounds, results[1].ErrorCode)
	assert.Equal(t, stepflow.ErrCodeValidation, results[2].ErrorCode)
}
