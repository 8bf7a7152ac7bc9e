package stepflow

import (
	"context"
	"log/slog"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
)

// components holds what the query transitions need from the Runtime.
type components struct {
	planner  Planner
	executor Executor
	solver   Solver
	schemas  func() map[string]map[string]any
	logger   *slog.Logger
}

// newProcessStateMachine builds the init → planning → execution → synthesis
// → complete state machine.
func newProcessStateMachine(c components, pub eventbus.Publisher) *StateMachine {
	sm := NewStateMachine(pub)
	sm.RegisterTransition(StateInit, c.initTransition())
	sm.RegisterTransition(StatePlanning, c.planningTransition())
	sm.RegisterTransition(StateExecution, c.executionTransition())
	sm.RegisterTransition(StateSynthesis, c.synthesisTransition())
	return sm
}

func (c components) emit(ctx context.Context, pub eventbus.Publisher, t eventbus.EventType, payload any, source string, md map[string]any) {
	if err := eventbus.Emit(ctx, pub, t, payload, source, md); err != nil {
		c.logger.Warn("failed to publish event", "type", t, "error", err)
	}
}

// fail reports a stage failure plus the query failure and returns err for the machine.
func (c components) fail(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext, stageEvent eventbus.EventType, stage, source string, err error) (ProcessState, error) {
	c.emit(ctx, pub, stageEvent, err.Error(), source, map[string]any{"error": err.Error()})
	c.emit(ctx, pub, eventbus.EventQueryProcessingFailure, pCtx.Query, source, map[string]any{
		"error": err.Error(),
		"stage": stage,
	})
	c.logger.Error("query processing failed", "stage", stage, "error", err)
	return StateError, err
}

func (c components) initTransition() StateTransition {
	return func(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext) (ProcessState, error) {
		c.emit(ctx, pub, eventbus.EventQueryProcessingStarted, pCtx.Query, "StateMachine.Init", nil)

		schemas := c.schemas()
		pCtx.update(func(pc *ProcessContext) {
			pc.PlannerInput = PlannerInput{Query: pc.Query, ToolSchemas: schemas}
		})
		return StatePlanning, nil
	}
}

func (c components) planningTransition() StateTransition {
	return func(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext) (ProcessState, error) {
		const source = "StateMachine.Planning"
		pCtx.mu.RLock()
		input := pCtx.PlannerInput
		pCtx.mu.RUnlock()

		c.emit(ctx, pub, eventbus.EventPlanGenerationStarted, input.Query, source, map[string]any{
			"tool_count": len(input.ToolSchemas),
		})

		plan, err := c.planner.GeneratePlan(ctx, input)
		if err == nil && (plan == nil || len(plan.Steps) == 0) {
			err = NewPlanGenerationError(nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return StateError, NewCancelledError(string(StatePlanning), ctx.Err())
			}
			if !IsStepflowError(err) {
				err = NewPlanGenerationError(err)
			}
			return c.fail(ctx, pub, pCtx, eventbus.EventPlanGenerationFailure, "plan_generation", source, err)
		}

		c.emit(ctx, pub, eventbus.EventPlanGenerationSuccess, plan, source, map[string]any{
			"step_count": plan.GetStepCount(),
		})
		pCtx.update(func(pc *ProcessContext) { pc.Plan = plan })
		return StateExecution, nil
	}
}

// executionTransition runs the plan. Failed steps are not a process error:
// the solver sees every result and decides what to say about them.
func (c components) executionTransition() StateTransition {
	return func(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext) (ProcessState, error) {
		pCtx.mu.RLock()
		plan := pCtx.Plan
		pCtx.mu.RUnlock()

		results, err := c.executor.Execute(ctx, plan)
		pCtx.update(func(pc *ProcessContext) { pc.Results = results })
		if err != nil {
			if HasCode(err, ErrCodeCancelled) {
				return StateError, err
			}
			c.emit(ctx, pub, eventbus.EventQueryProcessingFailure, pCtx.Query, "StateMachine.Execution", map[string]any{
				"error": err.Error(),
				"stage": "execution",
			})
			return StateError, err
		}
		return StateSynthesis, nil
	}
}

func (c components) synthesisTransition() StateTransition {
	return func(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext) (ProcessState, error) {
		const source = "StateMachine.Synthesis"
		pCtx.mu.RLock()
		input := SolverInput{Query: pCtx.Query, Results: append([]StepResult(nil), pCtx.Results...)}
		pCtx.mu.RUnlock()

		c.emit(ctx, pub, eventbus.EventSynthesisStarted, input.Query, source, map[string]any{
			"result_count": len(input.Results),
		})

		answer, err := c.solver.Synthesize(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return StateError, NewCancelledError(string(StateSynthesis), ctx.Err())
			}
			if !IsStepflowError(err) {
				err = NewSynthesisError(err)
			}
			return c.fail(ctx, pub, pCtx, eventbus.EventSynthesisFailure, "synthesis", source, err)
		}

		c.emit(ctx, pub, eventbus.EventSynthesisSuccess, answer, source, map[string]any{
			"answer_length": len(answer),
		})
		c.emit(ctx, pub, eventbus.EventQueryProcessingSuccess, input.Query, source, map[string]any{
			"final_answer": answer,
		})
		pCtx.update(func(pc *ProcessContext) { pc.FinalAnswer = answer })
		return StateComplete, nil
	}
}
