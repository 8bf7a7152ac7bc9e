package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/adapters"
)

// Facility is a logistics site in the demo dataset.
type Facility struct {
	ID   string
	Name string
	City string
}

// Shipment is a consignment handled by a facility.
type Shipment struct {
	ID         string
	FacilityID string
	Status     string
	WeightKg   float64
}

// Dataset backs the demo logistics tools.
type Dataset struct {
	Facilities []Facility
	Shipments  []Shipment
}

// DemoDataset returns a small fixed dataset.
func DemoDataset() *Dataset {
	return &Dataset{
		Facilities: []Facility{
			{ID: "F1", Name: "Berlin Hub", City: "Berlin"},
			{ID: "F2", Name: "Berlin Spandau", City: "Berlin"},
			{ID: "F3", Name: "Munich Depot", City: "Munich"},
		},
		Shipments: []Shipment{
			{ID: "S1", FacilityID: "F1", Status: "in_transit", WeightKg: 120},
			{ID: "S2", FacilityID: "F1", Status: "delivered", WeightKg: 75.5},
			{ID: "S3", FacilityID: "F2", Status: "pending", WeightKg: 300},
			{ID: "S4", FacilityID: "F3", Status: "in_transit", WeightKg: 42},
		},
	}
}

// SetupTools creates every built-in tool over ds.
func SetupTools(ds *Dataset, logger *slog.Logger) []stepflow.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tools")
	return []stepflow.Tool{
		adapters.NewGoToolAdapter(
			"facilities_list",
			ds.ListFacilities,
			adapters.WithDescription("Lists logistics facilities, optionally filtered by city."),
			adapters.WithCategory("Logistics"),
			adapters.WithParameters(map[string]string{
				"city": "City name to filter by (optional)",
			}),
			adapters.WithReturns("Array of {id, name, city}."),
			adapters.WithExamples([]string{`facilities_list {"city": "Berlin"}`}),
		),
		adapters.NewGoToolAdapter(
			"shipments_list",
			ds.ListShipments,
			adapters.WithDescription("Lists shipments handled by one or more facilities."),
			adapters.WithCategory("Logistics"),
			adapters.WithParameters(map[string]string{
				"facility_id":  "Facility ID",
				"facility_ids": "Array of facility IDs (alternative to facility_id)",
				"status":       "Shipment status to filter by (optional)",
			}),
			adapters.WithReturns("Array of {id, facility_id, status, weight_kg}."),
			adapters.WithExamples([]string{
				`shipments_list {"facility_id": "${step[0].data[0].id}"}`,
				`shipments_list {"facility_ids": "${step[0].data.*.id}"}`,
			}),
			adapters.WithValidator(validateShipmentsInput),
		),
		adapters.NewGoToolAdapter(
			"calculate",
			Calculate,
			adapters.WithDescription("Evaluates an arithmetic expression over optional named variables."),
			adapters.WithCategory("Math"),
			adapters.WithParameters(map[string]string{
				"expression": "Expression to evaluate (e.g., 'a * 9')",
				"vars":       "Map of variable values (optional)",
			}),
			adapters.WithReturns("The numeric result."),
			adapters.WithExamples([]string{`calculate {"expression": "5*9"}`}),
			adapters.WithValidator(validateCalculationInput),
		),
		adapters.NewGoToolAdapter(
			"search",
			func(ctx context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
				return PerformSearch(ctx, logger, params)
			},
			adapters.WithDescription("Performs a simulated web search for a given query."),
			adapters.WithCategory("Web"),
			adapters.WithParameters(map[string]string{"query": "Search query string"}),
			adapters.WithReturns("Object with an output string."),
			adapters.WithValidator(validateSearchInput),
		),
	}
}

// ListFacilities returns the facilities in the requested city, or all of them.
func (ds *Dataset) ListFacilities(_ context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
	city := ""
	if v, ok := params["city"]; ok && !v.IsNull() {
		s, ok := v.AsString()
		if !ok {
			return stepflow.Null(), fmt.Errorf("city must be a string, got %s", v.Kind())
		}
		city = s
	}
	out := make([]stepflow.Value, 0, len(ds.Facilities))
	for _, f := range ds.Facilities {
		if city != "" && !strings.EqualFold(f.City, city) {
			continue
		}
		out = append(out, stepflow.Map(map[string]stepflow.Value{
			"id":   stepflow.String(f.ID),
			"name": stepflow.String(f.Name),
			"city": stepflow.String(f.City),
		}))
	}
	return stepflow.Sequence(out...), nil
}

// ListShipments returns shipments for facility_id or facility_ids.
func (ds *Dataset) ListShipments(_ context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
	ids := map[string]struct{}{}
	if v, ok := params["facility_id"]; ok {
		s, _ := v.AsString()
		ids[s] = struct{}{}
	}
	if v, ok := params["facility_ids"]; ok {
		seq, _ := v.AsSequence()
		for _, item := range seq {
			s, ok := item.AsString()
			if !ok {
				return stepflow.Null(), fmt.Errorf("facility_ids must contain strings, got %s", item.Kind())
			}
			ids[s] = struct{}{}
		}
	}
	status := ""
	if v, ok := params["status"]; ok {
		status, _ = v.AsString()
	}

	out := make([]stepflow.Value, 0)
	for _, s := range ds.Shipments {
		if _, ok := ids[s.FacilityID]; !ok {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, stepflow.Map(map[string]stepflow.Value{
			"id":          stepflow.String(s.ID),
			"facility_id": stepflow.String(s.FacilityID),
			"status":      stepflow.String(s.Status),
			"weight_kg":   stepflow.Number(s.WeightKg),
		}))
	}
	return stepflow.Sequence(out...), nil
}

// Calculate evaluates params["expression"] with params["vars"] bound as variables.
func Calculate(_ context.Context, params map[string]stepflow.Value) (stepflow.Value, error) {
	exprStr, _ := params["expression"].AsString()
	expr, err := govaluate.NewEvaluableExpression(exprStr)
	if err != nil {
		return stepflow.Null(), fmt.Errorf("invalid expression %q: %w", exprStr, err)
	}
	vars := map[string]any{}
	if m, ok := params["vars"].AsMap(); ok {
		for k, v := range m {
			vars[k] = v.Any()
		}
	}
	out, err := expr.Evaluate(vars)
	if err != nil {
		return stepflow.Null(), fmt.Errorf("evaluate %q: %w", exprStr, err)
	}
	n, ok := out.(float64)
	if !ok {
		return stepflow.Null(), fmt.Errorf("expression %q produced %T, expected a number", exprStr, out)
	}
	return stepflow.Number(n), nil
}

// PerformSearch simulates a web search.
func PerformSearch(_ context.Context, logger *slog.Logger, params map[string]stepflow.Value) (stepflow.Value, error) {
	query, _ := params["query"].AsString()
	logger.Debug("searching", "query", query)
	return stepflow.Map(map[string]stepflow.Value{
		"output": stepflow.String(fmt.Sprintf("Simulated search results for query: %s", query)),
	}), nil
}

func validateShipmentsInput(params map[string]stepflow.Value) error {
	_, one := params["facility_id"]
	many, hasMany := params["facility_ids"]
	if !one && !hasMany {
		return fmt.Errorf("one of facility_id or facility_ids is required")
	}
	if one {
		if _, ok := params["facility_id"].AsString(); !ok {
			return fmt.Errorf("facility_id must be a string, got %s", params["facility_id"].Kind())
		}
	}
	if hasMany && many.Kind() != stepflow.KindSequence {
		return fmt.Errorf("facility_ids must be an array, got %s", many.Kind())
	}
	return nil
}

func validateCalculationInput(params map[string]stepflow.Value) error {
	expr, ok := params["expression"]
	if !ok {
		return fmt.Errorf("missing expression")
	}
	s, ok := expr.AsString()
	if !ok {
		return fmt.Errorf("expression must be a string, got %s", expr.Kind())
	}
	if len(s) == 0 {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(s) > 100 {
		return fmt.Errorf("expression too long (max 100 characters)")
	}
	if v, ok := params["vars"]; ok && v.Kind() != stepflow.KindMap {
		return fmt.Errorf("vars must be an object, got %s", v.Kind())
	}
	return nil
}

func validateSearchInput(params map[string]stepflow.Value) error {
	q, ok := params["query"]
	if !ok {
		return fmt.Errorf("missing search query")
	}
	s, ok := q.AsString()
	if !ok {
		return fmt.Errorf("search query must be a string, got %s", q.Kind())
	}
	if len(s) == 0 {
		return fmt.Errorf("search query cannot be empty")
	}
	if len(s) > 1000 {
		return fmt.Errorf("search query too long (max 1000 characters)")
	}
	return nil
}

// Names returns the names of tools, sorted.
func Names(tools []stepflow.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}
