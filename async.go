package stepflow

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
	"github.com/google/uuid"
)

type asyncExecution struct {
	pCtx   *ProcessContext
	cancel context.CancelFunc
	done   chan struct{}
}

// AsyncExecutionStatus represents the status information for an async execution.
type AsyncExecutionStatus struct {
	ExecutionID  string        `json:"execution_id"`
	Query        string        `json:"query"`
	CurrentState ProcessState  `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   ProcessState  `json:"error_stage,omitempty"`
}

// ProcessAsync starts query in the background and returns its execution ID.
// The run keeps ctx's values but not its cancellation; use CancelAsync.
func (r *Runtime) ProcessAsync(ctx context.Context, query string) (string, error) {
	if err := r.checkQueryComponents(); err != nil {
		return "", err
	}
	executionID := uuid.New().String()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if r.config.ProcessTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, r.config.ProcessTimeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}

	exec := &asyncExecution{
		pCtx:   NewProcessContext(query),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.asyncMu.Lock()
	r.async[executionID] = exec
	r.asyncMu.Unlock()

	pub := r.publisher()
	r.emit(ctx, pub, eventbus.EventQueryAsyncProcessingStarted, query, map[string]any{"execution_id": executionID})
	r.logger.Info("async query started", "execution_id", executionID)

	sm := r.stateMachine()
	go func() {
		defer close(exec.done)
		defer cancel()

		_, err := sm.Execute(runCtx, exec.pCtx)
		md := map[string]any{
			"execution_id": executionID,
			"duration_ms":  exec.pCtx.GetTotalDuration().Milliseconds(),
		}
		switch exec.pCtx.State() {
		case StateComplete:
			r.emit(ctx, pub, eventbus.EventQueryAsyncProcessingSuccess, query, md)
		case StateCancelled:
			// CancelAsync reports its own event.
		default:
			md["error"] = err.Error()
			md["error_stage"] = exec.pCtx.Snapshot().ErrorStage
			r.emit(ctx, pub, eventbus.EventQueryAsyncProcessingFailure, query, md)
		}
		r.logger.Info("async query finished", "execution_id", executionID, "state", exec.pCtx.State())
	}()

	return executionID, nil
}

func (r *Runtime) emit(ctx context.Context, pub eventbus.Publisher, t eventbus.EventType, payload any, md map[string]any) {
	if err := eventbus.Emit(ctx, pub, t, payload, "Runtime", md); err != nil {
		r.logger.Warn("failed to publish event", "type", t, "error", err)
	}
}

func (r *Runtime) lookupAsync(executionID string) (*asyncExecution, error) {
	r.asyncMu.RLock()
	defer r.asyncMu.RUnlock()
	exec, ok := r.async[executionID]
	if !ok {
		return nil, NewExecutionNotFoundError(executionID)
	}
	return exec, nil
}

// GetAsyncStatus retrieves the current status of an async execution.
func (r *Runtime) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	exec, err := r.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	s := exec.pCtx.Snapshot()
	status := &AsyncExecutionStatus{
		ExecutionID:  executionID,
		Query:        s.Query,
		CurrentState: s.State,
		StartTime:    s.StartTime,
		Duration:     s.Duration,
		IsComplete:   s.State == StateComplete,
		HasError:     s.State == StateError || s.State == StateCancelled,
	}
	if s.LastError != nil {
		status.ErrorMessage = s.LastError.Error()
		status.ErrorStage = s.ErrorStage
	}
	return status, nil
}

// GetAsyncResult returns the answer of a finished async execution without waiting.
func (r *Runtime) GetAsyncResult(executionID string) (string, error) {
	exec, err := r.lookupAsync(executionID)
	if err != nil {
		return "", err
	}
	s := exec.pCtx.Snapshot()
	if !s.State.IsTerminal() {
		return "", NewInProgressError(executionID, string(s.State))
	}
	if s.State != StateComplete {
		return "", s.LastError
	}
	return s.FinalAnswer, nil
}

// WaitAsync blocks until the execution finishes or ctx is done, then behaves like GetAsyncResult.
func (r *Runtime) WaitAsync(ctx context.Context, executionID string) (string, error) {
	exec, err := r.lookupAsync(executionID)
	if err != nil {
		return "", err
	}
	select {
	case <-exec.done:
	case <-ctx.Done():
		return "", NewCancelledError("async", ctx.Err())
	}
	return r.GetAsyncResult(executionID)
}

// CancelAsync cancels a running execution. It reports false if the execution
// had already finished.
func (r *Runtime) CancelAsync(executionID string) (bool, error) {
	exec, err := r.lookupAsync(executionID)
	if err != nil {
		return false, err
	}
	if exec.pCtx.IsTerminal() {
		return false, nil
	}

	stage := exec.pCtx.State()
	exec.pCtx.SetCancelled(NewCancelledError(string(stage), context.Canceled), stage)
	exec.cancel()

	r.emit(context.Background(), r.publisher(), eventbus.EventQueryAsyncProcessingCancelled, exec.pCtx.Query, map[string]any{
		"execution_id": executionID,
		"duration_ms":  exec.pCtx.GetTotalDuration().Milliseconds(),
	})
	r.logger.Info("async query cancelled", "execution_id", executionID, "stage", stage)
	return true, nil
}

// ListAsync returns every known execution ID with its current state.
func (r *Runtime) ListAsync() map[string]ProcessState {
	r.asyncMu.RLock()
	defer r.asyncMu.RUnlock()
	out := make(map[string]ProcessState, len(r.async))
	for id, exec := range r.async {
		out[id] = exec.pCtx.State()
	}
	return out
}

// CleanupCompleted removes finished executions that ended more than olderThan ago.
func (r *Runtime) CleanupCompleted(olderThan time.Duration) int {
	r.asyncMu.Lock()
	defer r.asyncMu.Unlock()

	now := time.Now()
	count := 0
	for id, exec := range r.async {
		s := exec.pCtx.Snapshot()
		if s.State.IsTerminal() && now.Sub(s.StateEntered) > olderThan {
			delete(r.async, id)
			count++
		}
	}
	return count
}
