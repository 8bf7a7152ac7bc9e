package adapters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/cache"
	"github.com/firebase/genkit/go/core"
	"golang.org/x/sync/singleflight"
)

// FlowRunner is the part of a Genkit flow the adapters call.
type FlowRunner[In, Out any] interface {
	Run(ctx context.Context, input In) (Out, error)
}

// GenkitPlannerAdapter uses a Genkit Flow to implement the Planner interface.
// Plans are cached by query and tool schemas; concurrent identical requests
// share one flow run.
type GenkitPlannerAdapter struct {
	plannerFlow FlowRunner[*stepflow.PlannerInput, *stepflow.Plan]
	cache       cache.Store[*stepflow.Plan]
	group       singleflight.Group
	logger      *slog.Logger
}

// NewGenkitPlannerAdapter creates a new adapter for the planner flow.
func NewGenkitPlannerAdapter(plannerFlow *core.Flow[*stepflow.PlannerInput, *stepflow.Plan, struct{}], store cache.Store[*stepflow.Plan], logger *slog.Logger) *GenkitPlannerAdapter {
	return NewFlowPlannerAdapter(plannerFlow, store, logger)
}

// NewFlowPlannerAdapter creates a planner over any flow runner. store may be nil.
func NewFlowPlannerAdapter(flow FlowRunner[*stepflow.PlannerInput, *stepflow.Plan], store cache.Store[*stepflow.Plan], logger *slog.Logger) *GenkitPlannerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitPlannerAdapter{plannerFlow: flow, cache: store, logger: logger.With("component", "planner")}
}

// GeneratePlan implements the stepflow.Planner interface.
func (a *GenkitPlannerAdapter) GeneratePlan(ctx context.Context, input stepflow.PlannerInput) (*stepflow.Plan, error) {
	if a.plannerFlow == nil {
		return nil, stepflow.NewConfigurationError("planner flow is not configured", nil)
	}
	key := a.generateCacheKey(input)

	if a.cache != nil {
		if plan, err := a.cache.Get(ctx, key); err == nil && plan != nil {
			a.logger.Debug("plan cache hit", "key", key)
			return clonePlan(plan), nil
		}
	}

	v, err, shared := a.group.Do(key, func() (any, error) {
		plan, err := a.plannerFlow.Run(ctx, &input)
		if err != nil {
			return nil, fmt.Errorf("planner flow execution failed: %w", err)
		}
		if plan == nil || len(plan.Steps) == 0 {
			return nil, fmt.Errorf("planner flow returned an empty or nil plan")
		}
		if plan.Metadata == nil {
			plan.Metadata = &stepflow.PlanMetadata{}
		}
		if plan.Metadata.Query == "" {
			plan.Metadata.Query = input.Query
		}
		if a.cache != nil {
			if err := a.cache.Set(ctx, key, plan); err != nil {
				a.logger.Warn("failed to cache plan", "key", key, "error", err)
			}
		}
		return plan, nil
	})
	if err != nil {
		return nil, stepflow.NewPlanGenerationError(err)
	}
	a.logger.Debug("plan generated", "steps", len(v.(*stepflow.Plan).Steps), "shared", shared)
	return clonePlan(v.(*stepflow.Plan)), nil
}

// generateCacheKey creates a unique key for caching planner results.
func (a *GenkitPlannerAdapter) generateCacheKey(input stepflow.PlannerInput) string {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		a.logger.Warn("failed to marshal planner input for cache key", "error", err)
		return "planner:" + input.Query
	}
	sum := sha1.Sum(inputBytes)
	return "planner:" + hex.EncodeToString(sum[:])
}

// clonePlan copies the step list so callers cannot mutate a cached plan.
func clonePlan(p *stepflow.Plan) *stepflow.Plan {
	out := &stepflow.Plan{Steps: make([]stepflow.Step, len(p.Steps))}
	copy(out.Steps, p.Steps)
	if p.Metadata != nil {
		md := *p.Metadata
		out.Metadata = &md
	}
	return out
}

type plannerFlow struct{ planner stepflow.Planner }

func (f plannerFlow) Run(ctx context.Context, input *stepflow.PlannerInput) (*stepflow.Plan, error) {
	return f.planner.GeneratePlan(ctx, *input)
}

// PlannerFlow lets any Planner sit behind a GenkitPlannerAdapter and its plan cache.
func PlannerFlow(p stepflow.Planner) FlowRunner[*stepflow.PlannerInput, *stepflow.Plan] {
	return plannerFlow{planner: p}
}
