// Package breaker isolates repeatedly failing operations behind a circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed is normal operation; every call is attempted.
	StateClosed State = iota
	// StateOpen rejects every call until the reset timeout has elapsed.
	StateOpen
	// StateHalfOpen lets exactly one trial call through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is matched (via errors.Is) by every rejection.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without being attempted.
type CircuitOpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker '%s' is half-open and a trial call is already in flight", e.Name)
	}
	return fmt.Sprintf("circuit breaker '%s' is open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) true.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Config configures a CircuitBreaker.
type Config struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit (default 5).
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call is allowed (default 30s).
	ResetTimeout time.Duration

	OnOpen     func(name string)
	OnHalfOpen func(name string)
	OnClose    func(name string)
	// OnStateChange fires on every transition, after the specific hook.
	OnStateChange func(name string, from, to State)

	// Clock overrides time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "default",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalCalls           int64     `json:"total_calls"`
	TotalFailures        int64     `json:"total_failures"`
	TotalRejections      int64     `json:"total_rejections"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	TimeUntilReset       string    `json:"time_until_reset,omitempty"`
}

// CircuitBreaker wraps arbitrary operations.
//
// CLOSED -> OPEN after FailureThreshold consecutive failures. The first call
// attempted once ResetTimeout has passed moves OPEN -> HALF_OPEN and is the only
// call let through; its outcome closes or re-opens the circuit.
//
// Safe for concurrent use. Hooks run after the internal lock is released.
type CircuitBreaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	openedAt       time.Time
	trialInFlight  bool
	generation     uint64
	totalCalls     int64
	totalFailures  int64
	totalRejection int64
}

// New creates a closed circuit breaker.
func New(cfg Config) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed}
	breakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

type transition struct{ from, to State }

// ticket describes an admitted call.
type ticket struct {
	generation uint64
	trial      bool
}

func (cb *CircuitBreaker) admit() (ticket, *transition, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	switch cb.state {
	case StateOpen:
		elapsed := cb.cfg.Clock().Sub(cb.openedAt)
		if elapsed < cb.cfg.ResetTimeout {
			cb.totalRejection++
			return ticket{}, nil, &CircuitOpenError{Name: cb.cfg.Name, State: StateOpen, RetryAfter: cb.cfg.ResetTimeout - elapsed}
		}
		tr := cb.setState(StateHalfOpen)
		cb.trialInFlight = true
		return ticket{generation: cb.generation, trial: true}, tr, nil

	case StateHalfOpen:
		if cb.trialInFlight {
			cb.totalRejection++
			return ticket{}, nil, &CircuitOpenError{Name: cb.cfg.Name, State: StateHalfOpen}
		}
		cb.trialInFlight = true
		return ticket{generation: cb.generation, trial: true}, nil, nil

	default:
		return ticket{generation: cb.generation}, nil, nil
	}
}

func (cb *CircuitBreaker) record(t ticket, failed bool) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if failed {
		cb.totalFailures++
	}
	// A Reset or Open since admission makes this outcome stale.
	if t.generation != cb.generation {
		return nil
	}

	if failed {
		cb.failures++
		cb.successes = 0
	} else {
		cb.successes++
		cb.failures = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if !t.trial {
			return nil
		}
		cb.trialInFlight = false
		if failed {
			return cb.setState(StateOpen)
		}
		return cb.setState(StateClosed)
	case StateClosed:
		if failed && cb.failures >= cb.cfg.FailureThreshold {
			return cb.setState(StateOpen)
		}
	}
	return nil
}

// setState changes state and returns the transition. Caller holds mu.
func (cb *CircuitBreaker) setState(to State) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.generation++
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Clock()
		cb.trialInFlight = false
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
		cb.trialInFlight = false
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	name := cb.cfg.Name
	breakerState.WithLabelValues(name).Set(float64(tr.to))
	breakerTransitions.WithLabelValues(name, tr.to.String()).Inc()

	switch tr.to {
	case StateOpen:
		cb.cfg.Logger.Warn("circuit breaker opened", "breaker", name, "from", tr.from.String(), "reset_timeout", cb.cfg.ResetTimeout)
		if cb.cfg.OnOpen != nil {
			cb.cfg.OnOpen(name)
		}
	case StateHalfOpen:
		cb.cfg.Logger.Info("circuit breaker half-open", "breaker", name)
		if cb.cfg.OnHalfOpen != nil {
			cb.cfg.OnHalfOpen(name)
		}
	case StateClosed:
		cb.cfg.Logger.Info("circuit breaker closed", "breaker", name, "from", tr.from.String())
		if cb.cfg.OnClose != nil {
			cb.cfg.OnClose(name)
		}
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(name, tr.from, tr.to)
	}
}

// Execute runs fn if the circuit admits it. A rejected call returns a
// *CircuitOpenError without invoking fn; otherwise fn's error is returned
// and its outcome is recorded. An outcome that arrives after ctx ended is not
// counted either way.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, tr, err := cb.admit()
	cb.notify(tr)
	if err != nil {
		breakerRejections.WithLabelValues(cb.cfg.Name).Inc()
		return err
	}

	failed := true
	defer func() {
		if callerDone(ctx) {
			cb.release(t)
			return
		}
		cb.notify(cb.record(t, failed))
	}()

	err = fn(ctx)
	failed = err != nil
	return err
}

// callerDone reports whether ctx ended, counting a passed deadline whose
// timer has not fired yet.
func callerDone(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && !time.Now().Before(d)
}

// release drops an admission without an outcome. A half-open trial slot is
// freed so the next call can probe.
func (cb *CircuitBreaker) release(t ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if t.trial && t.generation == cb.generation && cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Reset forces CLOSED with all counters zeroed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	if tr == nil {
		cb.generation++
	}
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
	cb.mu.Unlock()
	cb.notify(tr)
}

// Open forces OPEN immediately; the reset timeout starts now.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	tr := cb.setState(StateOpen)
	if tr == nil {
		cb.generation++
		cb.openedAt = cb.cfg.Clock()
	}
	cb.successes = 0
	cb.mu.Unlock()
	cb.notify(tr)
}

// State returns the current state. An OPEN circuit whose timeout has passed
// still reports OPEN until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TimeUntilReset returns the remaining cooldown, or 0 when not OPEN.
func (cb *CircuitBreaker) TimeUntilReset() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.timeUntilReset()
}

func (cb *CircuitBreaker) timeUntilReset() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.cfg.ResetTimeout - cb.cfg.Clock().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FailureCount returns the number of consecutive failures.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// SuccessCount returns the number of consecutive successes.
func (cb *CircuitBreaker) SuccessCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successes
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Stats{
		Name:                 cb.cfg.Name,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		TotalCalls:           cb.totalCalls,
		TotalFailures:        cb.totalFailures,
		TotalRejections:      cb.totalRejection,
		OpenedAt:             cb.openedAt,
	}
	if d := cb.timeUntilReset(); d > 0 {
		s.TimeUntilReset = d.String()
	}
	return s
}
