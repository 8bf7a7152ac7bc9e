package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/breaker"
	"github.com/ZanzyTHEbar/stepflow/internal/cache"
	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
	"github.com/ZanzyTHEbar/stepflow/internal/resolver"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultStepTimeout bounds a single tool invocation.
	DefaultStepTimeout = 30 * time.Second
	// DefaultMaxConcurrency bounds in-flight steps within one wave.
	DefaultMaxConcurrency = 5

	eventSource = "executor"
)

var tracer = otel.Tracer("stepflow.executor")

// PlanExecutor runs plans wave by wave. Within a wave every ready step is
// dispatched concurrently; the next wave starts only after all of them settle.
type PlanExecutor struct {
	invoker        stepflow.ToolInvoker
	breakers       *breaker.Registry
	maxConcurrency int
	stepTimeout    time.Duration
	logger         *slog.Logger
	publisher      eventbus.Publisher

	metrics ExecutorMetrics
}

// ExecutorOption represents an option for configuring the PlanExecutor.
type ExecutorOption func(*PlanExecutor)

// WithMaxConcurrency caps the number of steps running at once inside a wave.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *PlanExecutor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithStepTimeout sets the per-invocation timeout.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *PlanExecutor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithBreakers sets the circuit breaker registry guarding tool calls.
func WithBreakers(r *breaker.Registry) ExecutorOption {
	return func(e *PlanExecutor) {
		if r != nil {
			e.breakers = r
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *PlanExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventBus publishes execution events to p.
func WithEventBus(p eventbus.Publisher) ExecutorOption {
	return func(e *PlanExecutor) {
		e.publisher = p
	}
}

// NewExecutor creates an executor that invokes tools through invoker.
func NewExecutor(invoker stepflow.ToolInvoker, options ...ExecutorOption) *PlanExecutor {
	e := &PlanExecutor{
		invoker:        invoker,
		maxConcurrency: DefaultMaxConcurrency,
		stepTimeout:    DefaultStepTimeout,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(e)
	}
	if e.breakers == nil {
		e.breakers = breaker.NewRegistry(breaker.ScopeTool, breaker.DefaultConfig())
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Breakers returns the registry guarding tool calls.
func (e *PlanExecutor) Breakers() *breaker.Registry { return e.breakers }

// GetMetrics returns a snapshot of the execution metrics.
func (e *PlanExecutor) GetMetrics() ExecutorMetrics {
	return e.metrics.Copy()
}

// ResetMetrics zeroes the execution metrics.
func (e *PlanExecutor) ResetMetrics() {
	e.metrics.reset()
}

// Execute validates plan and runs it. The returned slice has one entry per
// step in step order. An error is returned only when the plan is rejected
// before any step runs or when ctx is cancelled between waves; in the latter
// case the results are still complete, with unstarted steps marked cancelled.
func (e *PlanExecutor) Execute(ctx context.Context, plan *stepflow.Plan) ([]stepflow.StepResult, error) {
	runID := uuid.NewString()
	g, err := BuildGraph(plan)
	if err != nil {
		e.logger.Warn("plan rejected", "run_id", runID, "error", err)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventPlanExecutionRejected, err.Error(), eventSource,
			map[string]any{"run_id": runID})
		return nil, err
	}
	return e.run(ctx, runID, plan, g)
}

func (e *PlanExecutor) run(ctx context.Context, runID string, plan *stepflow.Plan, g *Graph) ([]stepflow.StepResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "stepflow.execute_plan",
		trace.WithAttributes(
			attribute.String("stepflow.run_id", runID),
			attribute.Int("stepflow.step_count", g.Len()),
		),
	)
	defer span.End()

	logger := e.logger.With("run_id", runID)
	logger.Info("plan execution started", "steps", g.Len(), "query", plan.Query())
	_ = eventbus.Emit(ctx, e.publisher, eventbus.EventPlanExecutionStarted, plan, eventSource,
		map[string]any{"run_id": runID, "steps": g.Len()})

	results := cache.NewStepResultCache(g.Len())
	scheduled := make([]bool, g.Len())
	wave := 0
	var cancelErr error

	for {
		if err := ctx.Err(); err != nil {
			cancelErr = stepflow.NewCancelledError("execution", err)
			break
		}
		ready := g.nextWave(scheduled, results.Has)
		if len(ready) == 0 {
			break
		}
		e.runWave(ctx, logger, runID, wave, plan, g, ready, results)
		wave++
	}

	// Whatever was never scheduled either lost its context or waits on a
	// dependency that can never settle.
	for i := range scheduled {
		if scheduled[i] {
			continue
		}
		step := plan.Steps[i]
		var r *stepflow.StepResult
		if cancelErr != nil {
			r = stepflow.Failed(i, step.Tool, step.Params, cancelErr)
		} else {
			r = stepflow.Failed(i, step.Tool, step.Params, stepflow.NewDependencyUnresolvedError(i, missing(g.nodes[i].deps, results)))
		}
		e.settle(ctx, logger, runID, results, *r, stepOutcome{})
	}

	elapsed := time.Since(start)
	e.metrics.recordPlan(elapsed)
	planDuration.Observe(elapsed.Seconds())

	out := results.AllResults()
	failed := 0
	for _, r := range out {
		if !r.Success {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("stepflow.waves", wave), attribute.Int("stepflow.failed_steps", failed))

	if cancelErr != nil {
		span.RecordError(cancelErr)
		span.SetStatus(codes.Error, "context cancelled")
		logger.Warn("plan execution cancelled", "waves", wave, "duration", elapsed)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventPlanExecutionCompleted, out, eventSource,
			map[string]any{"run_id": runID, "cancelled": true})
		return out, cancelErr
	}

	span.SetStatus(codes.Ok, "")
	logger.Info("plan execution completed", "waves", wave, "failed_steps", failed, "duration", elapsed)
	_ = eventbus.Emit(ctx, e.publisher, eventbus.EventPlanExecutionCompleted, out, eventSource,
		map[string]any{"run_id": runID, "waves": wave, "failed_steps": failed})
	return out, nil
}

func (e *PlanExecutor) runWave(ctx context.Context, logger *slog.Logger, runID string, wave int,
	plan *stepflow.Plan, g *Graph, ready []int, results *cache.StepResultCache) {
	ctx, span := tracer.Start(ctx, "stepflow.wave",
		trace.WithAttributes(
			attribute.Int("stepflow.wave", wave),
			attribute.IntSlice("stepflow.steps", ready),
		),
	)
	defer span.End()

	logger.Debug("wave started", "wave", wave, "steps", ready)
	meta := map[string]any{"run_id": runID, "wave": wave}
	_ = eventbus.Emit(ctx, e.publisher, eventbus.EventWaveStarted, ready, eventSource, meta)
	e.metrics.recordWave()
	waveSize.Observe(float64(len(ready)))

	p := pool.New().WithMaxGoroutines(e.maxConcurrency)
	for _, i := range ready {
		p.Go(func() {
			r, outcome := e.runStep(ctx, logger, runID, plan.Steps[i], g.nodes[i], results)
			e.settle(ctx, logger, runID, results, r, outcome)
		})
	}
	p.Wait()

	logger.Debug("wave completed", "wave", wave)
	_ = eventbus.Emit(ctx, e.publisher, eventbus.EventWaveCompleted, ready, eventSource, meta)
}

// settle records r exactly once and reports it.
func (e *PlanExecutor) settle(ctx context.Context, logger *slog.Logger, runID string,
	results *cache.StepResultCache, r stepflow.StepResult, outcome stepOutcome) {
	if err := results.Add(r); err != nil {
		logger.Error("step settled twice", "step", r.StepIndex, "error", err)
		return
	}
	outcome.success = r.Success
	e.metrics.recordStep(outcome)

	label := "ok"
	if !r.Success {
		label = r.ErrorCode
	}
	stepsTotal.WithLabelValues(r.Tool, label).Inc()

	meta := map[string]any{"run_id": runID, "step": r.StepIndex, "tool": r.Tool}
	switch {
	case r.Success:
		logger.Debug("step succeeded", "step", r.StepIndex, "tool", r.Tool, "duration", r.Duration)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventStepSucceeded, r, eventSource, meta)
	case outcome.shortCircuited:
		logger.Info("step short-circuited", "step", r.StepIndex, "tool", r.Tool, "error", r.Error)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventStepShortCircuited, r, eventSource, meta)
	case outcome.skipped:
		logger.Info("step skipped", "step", r.StepIndex, "tool", r.Tool)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventStepSkipped, r, eventSource, meta)
	default:
		logger.Warn("step failed", "step", r.StepIndex, "tool", r.Tool, "code", r.ErrorCode, "error", r.Error)
		_ = eventbus.Emit(ctx, e.publisher, eventbus.EventStepFailed, r, eventSource, meta)
	}
}

// runStep settles one step: short-circuit on a failed dependency, evaluate
// its guard, resolve params, then invoke the tool behind its breaker.
func (e *PlanExecutor) runStep(ctx context.Context, logger *slog.Logger, runID string,
	step stepflow.Step, n node, results *cache.StepResultCache) (stepflow.StepResult, stepOutcome) {
	ctx, span := tracer.Start(ctx, "stepflow.step",
		trace.WithAttributes(
			attribute.Int("stepflow.step", n.index),
			attribute.String("stepflow.tool", step.Tool),
			attribute.IntSlice("stepflow.dependencies", n.deps),
		),
	)
	defer span.End()

	fail := func(params map[string]stepflow.Value, err error, outcome stepOutcome) (stepflow.StepResult, stepOutcome) {
		r := stepflow.Failed(n.index, step.Tool, params, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, r.Error)
		return *r, outcome
	}

	for _, d := range n.deps {
		dep, ok := results.Get(d)
		if ok && !dep.Success {
			msg := dep.Error
			if msg == "" {
				msg = "unknown error"
			}
			return fail(step.Params, stepflow.NewStepFailedError(d, msg), stepOutcome{shortCircuited: true})
		}
	}

	if n.condition != nil {
		run, err := n.condition.Evaluate(results)
		if err != nil {
			return fail(step.Params, err, stepOutcome{shortCircuited: resolver.IsShortCircuit(err)})
		}
		if !run {
			return fail(step.Params, stepflow.NewStepSkippedError(n.index, n.condition.Source), stepOutcome{skipped: true})
		}
	}

	params, err := resolver.ResolveParams(step.Params, results)
	if err != nil {
		return fail(step.Params, err, stepOutcome{shortCircuited: resolver.IsShortCircuit(err)})
	}

	_ = eventbus.Emit(ctx, e.publisher, eventbus.EventStepStarted, params, eventSource,
		map[string]any{"run_id": runID, "step": n.index, "tool": step.Tool})

	start := time.Now()
	var res *stepflow.ToolResult
	err = e.breakers.Get(step.Tool).Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.invoke(ctx, step.Tool, params)
		if err != nil {
			return err
		}
		if !res.Success {
			if res.Error == nil {
				return &stepflow.ToolError{Code: stepflow.ErrCodeToolExecution, Message: "tool reported failure"}
			}
			return res.Error
		}
		return nil
	})
	elapsed := time.Since(start)
	stepDuration.WithLabelValues(step.Tool).Observe(elapsed.Seconds())
	outcome := stepOutcome{invoked: true, duration: elapsed}

	if err != nil {
		r, o := fail(params, classify(step.Tool, err), outcome)
		var toolErr *stepflow.ToolError
		if errors.As(err, &toolErr) {
			r.Error = toolErr.Message
			r.ErrorCode = toolErr.Code
			if r.ErrorCode == "" {
				r.ErrorCode = stepflow.ErrCodeToolExecution
			}
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			o.invoked = false
		}
		r.Duration = elapsed
		return r, o
	}

	span.SetStatus(codes.Ok, "")
	return stepflow.StepResult{
		StepIndex: n.index,
		Success:   true,
		Data:      res.Data,
		Tool:      step.Tool,
		Params:    params,
		Timestamp: time.Now().UTC(),
		Duration:  elapsed,
	}, outcome
}

// invoke calls the tool with the step timeout applied. The call runs on its
// own goroutine so an invoker that ignores ctx still cannot stall the wave.
func (e *PlanExecutor) invoke(parent context.Context, tool string, params map[string]stepflow.Value) (*stepflow.ToolResult, error) {
	if err := parent.Err(); err != nil {
		return nil, stepflow.NewCancelledError("execution", err)
	}
	ctx, cancel := context.WithTimeout(parent, e.stepTimeout)
	defer cancel()

	type reply struct {
		res *stepflow.ToolResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- reply{err: stepflow.NewInternalError("execution", fmt.Sprintf("tool '%s' panicked: %v", tool, rec), nil)}
			}
		}()
		res, err := e.invoker.Invoke(ctx, tool, params)
		if err == nil && res == nil {
			err = stepflow.NewInternalError("execution", fmt.Sprintf("tool '%s' returned no result", tool), nil)
		}
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && !stepflow.IsStepflowError(r.err) {
			return nil, ctxError(tool, parent, ctx, e.stepTimeout)
		}
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctxError(tool, parent, ctx, e.stepTimeout)
	}
}

// ctxError reports why the step context ended. Only the step's own timeout
// is a tool timeout; the caller's cancellation or an earlier caller deadline
// is EXECUTION_CANCELLED.
func ctxError(tool string, parent, step context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return stepflow.NewCancelledError("execution", err)
	}
	if pd, ok := parent.Deadline(); ok {
		if sd, _ := step.Deadline(); !pd.After(sd) {
			return stepflow.NewCancelledError("execution", context.DeadlineExceeded)
		}
	}
	if errors.Is(step.Err(), context.DeadlineExceeded) {
		return stepflow.NewError(stepflow.ErrCodeTimeout, "execution",
			fmt.Sprintf("tool '%s' timed out after %s", tool, timeout), nil)
	}
	return stepflow.NewCancelledError("execution", step.Err())
}

// classify maps an invocation error onto the stepflow error space.
func classify(tool string, err error) error {
	var open *breaker.CircuitOpenError
	switch {
	case errors.As(err, &open):
		return stepflow.NewCircuitOpenError(tool, err)
	case stepflow.IsStepflowError(err):
		return err
	case errors.Is(err, context.Canceled):
		return stepflow.NewCancelledError("execution", err)
	case errors.Is(err, context.DeadlineExceeded):
		return stepflow.NewTimeoutError("execution", err)
	default:
		return stepflow.NewToolExecutionError("execution", tool, err)
	}
}

func missing(deps []int, results *cache.StepResultCache) []int {
	var out []int
	for _, d := range deps {
		if !results.Has(d) {
			out = append(out, d)
		}
	}
	return out
}
