package stepflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
)

// ProcessState represents the current state of a query being processed.
type ProcessState string

const (
	StateInit      ProcessState = "init"
	StatePlanning  ProcessState = "planning"
	StateExecution ProcessState = "execution"
	StateSynthesis ProcessState = "synthesis"
	StateError     ProcessState = "error"
	StateComplete  ProcessState = "complete"
	StateCancelled ProcessState = "cancelled"
)

// IsTerminal reports whether no transition leaves s.
func (s ProcessState) IsTerminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// ProcessContext carries one query through the state machine. It is safe
// for concurrent reads while the machine is running.
type ProcessContext struct {
	mu sync.RWMutex

	Query        string
	PlannerInput PlannerInput
	Plan         *Plan
	Results      []StepResult
	FinalAnswer  string

	LastError  error
	ErrorStage ProcessState

	CurrentState ProcessState
	// History lists every state entered, in order.
	History []ProcessState

	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[ProcessState]time.Time
}

// NewProcessContext creates a process context for query in StateInit.
func NewProcessContext(query string) *ProcessContext {
	now := time.Now()
	return &ProcessContext{
		Query:           query,
		CurrentState:    StateInit,
		History:         []ProcessState{StateInit},
		StartTime:       now,
		StateStartTimes: map[ProcessState]time.Time{StateInit: now},
	}
}

func (pc *ProcessContext) enter(state ProcessState) {
	now := time.Now()
	pc.CurrentState = state
	pc.History = append(pc.History, state)
	pc.StateStartTimes[state] = now
	if state.IsTerminal() {
		pc.EndTime = now
	}
}

// State returns the current state.
func (pc *ProcessContext) State() ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.CurrentState
}

// IsTerminal checks if the current state is Complete, Error or Cancelled.
func (pc *ProcessContext) IsTerminal() bool {
	return pc.State().IsTerminal()
}

// SetError records err against stage and moves to StateError.
func (pc *ProcessContext) SetError(err error, stage ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.CurrentState.IsTerminal() {
		return
	}
	pc.LastError = err
	pc.ErrorStage = stage
	pc.enter(StateError)
}

// SetCancelled records the cancellation cause and moves to StateCancelled.
func (pc *ProcessContext) SetCancelled(err error, stage ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.CurrentState.IsTerminal() {
		return
	}
	pc.LastError = err
	pc.ErrorStage = stage
	pc.enter(StateCancelled)
}

// Complete marks the process as complete.
func (pc *ProcessContext) Complete() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.CurrentState.IsTerminal() {
		return
	}
	pc.enter(StateComplete)
}

// Snapshot returns a copy of the fields callers usually report on.
func (pc *ProcessContext) Snapshot() ProcessSnapshot {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	s := ProcessSnapshot{
		Query:        pc.Query,
		State:        pc.CurrentState,
		History:      append([]ProcessState(nil), pc.History...),
		Results:      append([]StepResult(nil), pc.Results...),
		FinalAnswer:  pc.FinalAnswer,
		ErrorStage:   pc.ErrorStage,
		StartTime:    pc.StartTime,
		Duration:     pc.durationLocked(),
		LastError:    pc.LastError,
		StateEntered: pc.StateStartTimes[pc.CurrentState],
	}
	return s
}

// ProcessSnapshot is a point-in-time copy of a ProcessContext.
type ProcessSnapshot struct {
	Query        string
	State        ProcessState
	History      []ProcessState
	Results      []StepResult
	FinalAnswer  string
	LastError    error
	ErrorStage   ProcessState
	StartTime    time.Time
	StateEntered time.Time
	Duration     time.Duration
}

// GetStateDuration returns how long the process spent in state, or has
// spent so far if it is the current state.
func (pc *ProcessContext) GetStateDuration(state ProcessState) time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	start, ok := pc.StateStartTimes[state]
	if !ok {
		return 0
	}
	if state == pc.CurrentState {
		if state.IsTerminal() {
			return 0
		}
		return time.Since(start)
	}
	for i, s := range pc.History {
		if s == state && i+1 < len(pc.History) {
			return pc.StateStartTimes[pc.History[i+1]].Sub(start)
		}
	}
	return 0
}

// GetTotalDuration returns the total duration of the process so far.
func (pc *ProcessContext) GetTotalDuration() time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.durationLocked()
}

func (pc *ProcessContext) durationLocked() time.Duration {
	if pc.CurrentState.IsTerminal() {
		return pc.EndTime.Sub(pc.StartTime)
	}
	return time.Since(pc.StartTime)
}

// advance moves to next unless the process already ended, for example by
// an external cancellation while a transition was running.
func (pc *ProcessContext) advance(next ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.CurrentState.IsTerminal() {
		return
	}
	pc.enter(next)
}

// update runs fn with the write lock held.
func (pc *ProcessContext) update(fn func(pc *ProcessContext)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	fn(pc)
}

// StateTransition runs the work of one state and names the next one.
type StateTransition func(ctx context.Context, pub eventbus.Publisher, pCtx *ProcessContext) (ProcessState, error)

// StateMachine drives a ProcessContext through registered transitions.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	publisher   eventbus.Publisher
}

// NewStateMachine creates a state machine that reports to pub (which may be nil).
func NewStateMachine(pub eventbus.Publisher) *StateMachine {
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		publisher:   pub,
	}
}

// RegisterTransition registers the transition leaving state.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state and returns the final answer.
func (sm *StateMachine) Execute(ctx context.Context, pCtx *ProcessContext) (string, error) {
	for !pCtx.IsTerminal() {
		current := pCtx.State()
		if err := ctx.Err(); err != nil {
			pCtx.SetCancelled(NewCancelledError(string(current), err), current)
			break
		}

		transition, ok := sm.transitions[current]
		if !ok {
			pCtx.SetError(NewInternalError(string(current), fmt.Sprintf("no transition defined for state: %s", current), nil), current)
			break
		}

		next, err := transition(ctx, sm.publisher, pCtx)
		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || HasCode(err, ErrCodeCancelled)):
			pCtx.SetCancelled(err, current)
		case err != nil:
			pCtx.SetError(err, current)
		case next == StateComplete:
			pCtx.Complete()
		default:
			pCtx.advance(next)
		}
	}

	s := pCtx.Snapshot()
	if s.State != StateComplete {
		return "", s.LastError
	}
	return s.FinalAnswer, nil
}
