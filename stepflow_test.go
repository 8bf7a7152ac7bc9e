package stepflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plannerFunc func(ctx context.Context, in PlannerInput) (*Plan, error)

func (f plannerFunc) GeneratePlan(ctx context.Context, in PlannerInput) (*Plan, error) {
	return f(ctx, in)
}

type solverFunc func(ctx context.Context, in SolverInput) (string, error)

func (f solverFunc) Synthesize(ctx context.Context, in SolverInput) (string, error) {
	return f(ctx, in)
}

type executorFunc func(ctx context.Context, plan *Plan) ([]StepResult, error)

func (f executorFunc) Execute(ctx context.Context, plan *Plan) ([]StepResult, error) {
	return f(ctx, plan)
}

type staticSchemas map[string]map[string]any

func (s staticSchemas) Schemas() map[string]map[string]any { return s }

// recordingBus is a synchronous EventBus that keeps every event.
type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, e eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}
func (b *recordingBus) Subscribe([]eventbus.EventType, eventbus.EventHandler) (string, error) {
	return "", nil
}
func (b *recordingBus) SubscribeAll(eventbus.EventHandler) (string, error) { return "", nil }
func (b *recordingBus) Unsubscribe(string) error                           { return nil }
func (b *recordingBus) Close() error                                       { return nil }

func (b *recordingBus) types() []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type())
	}
	return out
}

func onePlanner(tool string) plannerFunc {
	return func(_ context.Context, in PlannerInput) (*Plan, error) {
		return NewPlan(in.Query, Step{Tool: tool}), nil
	}
}

func echoExecutor() executorFunc {
	return func(_ context.Context, plan *Plan) ([]StepResult, error) {
		out := make([]StepResult, len(plan.Steps))
		for i, s := range plan.Steps {
			out[i] = StepResult{StepIndex: i, Tool: s.Tool, Success: true, Data: String(s.Tool)}
		}
		return out, nil
	}
}

func joinSolver() solverFunc {
	return func(_ context.Context, in SolverInput) (string, error) {
		parts := []string{in.Query}
		for _, r := range in.Results {
			if r.Success {
				parts = append(parts, r.Data.Text())
			} else {
				parts = append(parts, r.ErrorCode)
			}
		}
		return strings.Join(parts, "|"), nil
	}
}

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	base := []Option{
		WithPlanner(onePlanner("facilities_list")),
		WithExecutor(echoExecutor()),
		WithSolver(joinSolver()),
		WithEventBus(bus),
	}
	r, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, bus
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New()
	assert.True(t, HasCode(err, ErrCodeConfiguration))
}

func TestNew_CreatesOwnEventBus(t *testing.T) {
	r, err := New(WithExecutor(echoExecutor()))
	require.NoError(t, err)
	require.NotNil(t, r.EventBus())
	assert.True(t, r.ownsBus)
	require.NoError(t, r.Close())

	cfg := DefaultConfig()
	cfg.EnableEventBus = false
	r, err = New(WithExecutor(echoExecutor()), WithConfig(cfg))
	require.NoError(t, err)
	assert.Nil(t, r.EventBus())
	assert.Nil(t, r.publisher())
}

func TestProcess_Success(t *testing.T) {
	var seen PlannerInput
	planner := plannerFunc(func(ctx context.Context, in PlannerInput) (*Plan, error) {
		seen = in
		return NewPlan(in.Query, Step{Tool: "a"}, Step{Tool: "b"}), nil
	})
	schemas := staticSchemas{"a": {"description": "first"}}
	r, bus := newTestRuntime(t, WithPlanner(planner), WithToolSchemas(schemas))

	answer, err := r.Process(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "q|a|b", answer)
	assert.Equal(t, "q", seen.Query)
	assert.Equal(t, map[string]map[string]any(schemas), seen.ToolSchemas)

	assert.Equal(t, []eventbus.EventType{
		eventbus.EventQueryProcessingStarted,
		eventbus.EventPlanGenerationStarted,
		eventbus.EventPlanGenerationSuccess,
		eventbus.EventSynthesisStarted,
		eventbus.EventSynthesisSuccess,
		eventbus.EventQueryProcessingSuccess,
	}, bus.types())
}

func TestProcess_StepFailuresReachSolver(t *testing.T) {
	exec := executorFunc(func(_ context.Context, plan *Plan) ([]StepResult, error) {
		return []StepResult{*Failed(0, "a", nil, NewToolNotFoundError("execution", "a"))}, nil
	})
	r, _ := newTestRuntime(t, WithExecutor(exec))

	pCtx, err := r.ProcessWithContext(context.Background(), "q")
	require.NoError(t, err)
	s := pCtx.Snapshot()
	assert.Equal(t, "q|"+ErrCodeToolNotFound, s.FinalAnswer)
	require.Len(t, s.Results, 1)
	assert.Equal(t, StateComplete, s.State)
}

func TestProcess_PlannerFailure(t *testing.T) {
	tests := []struct {
		name    string
		planner plannerFunc
	}{
		{"error", func(context.Context, PlannerInput) (*Plan, error) { return nil, errors.New("model down") }},
		{"empty plan", func(context.Context, PlannerInput) (*Plan, error) { return &Plan{}, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, bus := newTestRuntime(t, WithPlanner(tt.planner))
			pCtx, err := r.ProcessWithContext(context.Background(), "q")
			assert.True(t, HasCode(err, ErrCodePlanGeneration), "got %v", err)
			assert.Equal(t, StatePlanning, pCtx.Snapshot().ErrorStage)
			assert.Contains(t, bus.types(), eventbus.EventPlanGenerationFailure)
			assert.Contains(t, bus.types(), eventbus.EventQueryProcessingFailure)
		})
	}
}

func TestProcess_SolverFailure(t *testing.T) {
	solver := solverFunc(func(context.Context, SolverInput) (string, error) { return "", errors.New("no tokens") })
	r, bus := newTestRuntime(t, WithSolver(solver))
	_, err := r.Process(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeSynthesis))
	assert.Contains(t, bus.types(), eventbus.EventSynthesisFailure)
}

func TestProcess_ExecutorRejection(t *testing.T) {
	exec := executorFunc(func(context.Context, *Plan) ([]StepResult, error) {
		return nil, NewValidationError("step 0 has no tool", nil)
	})
	r, _ := newTestRuntime(t, WithExecutor(exec))
	pCtx, err := r.ProcessWithContext(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeValidation))
	assert.Equal(t, StateExecution, pCtx.Snapshot().ErrorStage)
}

func TestProcess_ExecutorCancellationKeepsResults(t *testing.T) {
	exec := executorFunc(func(context.Context, *Plan) ([]StepResult, error) {
		return []StepResult{{StepIndex: 0, Success: true}}, NewCancelledError("execution", context.Canceled)
	})
	r, _ := newTestRuntime(t, WithExecutor(exec))
	pCtx, err := r.ProcessWithContext(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeCancelled))
	s := pCtx.Snapshot()
	assert.Equal(t, StateCancelled, s.State)
	assert.Len(t, s.Results, 1)
}

func TestProcess_Timeout(t *testing.T) {
	slow := plannerFunc(func(ctx context.Context, _ PlannerInput) (*Plan, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.ProcessTimeout = 10 * time.Millisecond
	r, _ := newTestRuntime(t, WithPlanner(slow), WithConfig(cfg))

	pCtx, err := r.ProcessWithContext(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeCancelled))
	assert.Equal(t, StateCancelled, pCtx.State())
}

func TestProcess_RequiresPlannerAndSolver(t *testing.T) {
	r, err := New(WithExecutor(echoExecutor()), WithConfig(Config{}))
	require.NoError(t, err)
	_, err = r.Process(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeConfiguration))

	_, err = r.ProcessAsync(context.Background(), "q")
	assert.True(t, HasCode(err, ErrCodeConfiguration))

	results, err := r.ExecutePlan(context.Background(), NewPlan("q", Step{Tool: "x"}))
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestProcessAsync_Lifecycle(t *testing.T) {
	r, bus := newTestRuntime(t)

	id, err := r.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)

	answer, err := r.WaitAsync(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "q|facilities_list", answer)

	status, err := r.GetAsyncStatus(id)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.False(t, status.HasError)
	assert.Equal(t, map[string]ProcessState{id: StateComplete}, r.ListAsync())

	require.Eventually(t, func() bool {
		types := bus.types()
		return types[len(types)-1] == eventbus.EventQueryAsyncProcessingSuccess
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, eventbus.EventQueryAsyncProcessingStarted, bus.types()[0])

	assert.Equal(t, 0, r.CleanupCompleted(time.Hour))
	assert.Equal(t, 1, r.CleanupCompleted(0))
	_, err = r.GetAsyncStatus(id)
	assert.True(t, HasCode(err, ErrCodeExecutionNotFound))
}

func TestProcessAsync_Cancel(t *testing.T) {
	started := make(chan struct{})
	blocking := plannerFunc(func(ctx context.Context, _ PlannerInput) (*Plan, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, bus := newTestRuntime(t, WithPlanner(blocking))

	id, err := r.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)
	<-started

	_, err = r.GetAsyncResult(id)
	assert.True(t, HasCode(err, ErrCodeInProgress))

	ok, err := r.CancelAsync(id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.WaitAsync(context.Background(), id)
	assert.True(t, HasCode(err, ErrCodeCancelled))

	status, err := r.GetAsyncStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.CurrentState)
	assert.Equal(t, StatePlanning, status.ErrorStage)
	assert.True(t, status.HasError)
	assert.Contains(t, bus.types(), eventbus.EventQueryAsyncProcessingCancelled)
	assert.NotContains(t, bus.types(), eventbus.EventQueryAsyncProcessingFailure)

	ok, err = r.CancelAsync(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessAsync_Failure(t *testing.T) {
	failing := plannerFunc(func(context.Context, PlannerInput) (*Plan, error) {
		return nil, fmt.Errorf("quota exceeded")
	})
	r, bus := newTestRuntime(t, WithPlanner(failing))

	id, err := r.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)
	_, err = r.WaitAsync(context.Background(), id)
	assert.True(t, HasCode(err, ErrCodePlanGeneration))

	require.Eventually(t, func() bool {
		for _, typ := range bus.types() {
			if typ == eventbus.EventQueryAsyncProcessingFailure {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestAsync_UnknownID(t *testing.T) {
	r, _ := newTestRuntime(t)
	_, err := r.GetAsyncResult("nope")
	assert.True(t, HasCode(err, ErrCodeExecutionNotFound))
	_, err = r.CancelAsync("nope")
	assert.True(t, HasCode(err, ErrCodeExecutionNotFound))
	_, err = r.WaitAsync(context.Background(), "nope")
	assert.True(t, HasCode(err, ErrCodeExecutionNotFound))
}
