package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{})
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, "default", cb.Name())
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := newTestClock()
	var opened, halfOpened, closed atomic.Int32
	cb := New(Config{
		Name:             "lifecycle",
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		Clock:            clock.Now,
		OnOpen:           func(string) { opened.Add(1) },
		OnHalfOpen:       func(string) { halfOpened.Add(1) },
		OnClose:          func(string) { closed.Add(1) },
	})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.FailureCount())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, time.Second, cb.TimeUntilReset())

	// Rejected without invoking the operation.
	invoked := false
	err := cb.Execute(ctx, func(context.Context) error { invoked = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "lifecycle", openErr.Name)
	assert.False(t, invoked)

	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, cb.TimeUntilReset())

	// After the timeout the next call is the half-open trial; success closes.
	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, StateOpen, cb.State())
	var stateDuringTrial State
	require.NoError(t, cb.Execute(ctx, func(context.Context) error {
		stateDuringTrial = cb.State()
		return nil
	}))
	assert.Equal(t, StateHalfOpen, stateDuringTrial)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
	assert.Equal(t, int32(1), halfOpened.Load())
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, time.Duration(0), cb.TimeUntilReset())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	clock := newTestClock()
	cb := New(Config{Name: "reopen", FailureThreshold: 2, ResetTimeout: time.Second, Clock: clock.Now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, time.Second, cb.TimeUntilReset())

	require.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	clock := newTestClock()
	cb := New(Config{Name: "single-trial", FailureThreshold: 1, ResetTimeout: time.Second, Clock: clock.Now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := cb.Execute(ctx, succeed)
	require.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateHalfOpen, openErr.State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureRun(t *testing.T) {
	cb := New(Config{Name: "run", FailureThreshold: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.FailureCount())
	assert.Equal(t, 1, cb.SuccessCount())

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ManualOpenAndReset(t *testing.T) {
	clock := newTestClock()
	var transitions []string
	var mu sync.Mutex
	cb := New(Config{
		Name:         "manual",
		ResetTimeout: time.Minute,
		Clock:        clock.Now,
		OnStateChange: func(_ string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	cb.Open()
	assert.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
	assert.Equal(t, 0, cb.SuccessCount())
	require.NoError(t, cb.Execute(ctx, succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_StaleOutcomeIgnoredAfterReset(t *testing.T) {
	cb := New(Config{Name: "stale", FailureThreshold: 1})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return errBoom
		})
	}()
	<-started
	cb.Reset()
	close(release)
	require.ErrorIs(t, <-done, errBoom)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cb := New(Config{Name: "ctx", FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, succeed)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int64(0), cb.Stats().TotalCalls)
}

func TestCircuitBreaker_CallerEndedMidCallNotCounted(t *testing.T) {
	cb := New(Config{Name: "caller", FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())

	deadline, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	err = cb.Execute(deadline, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestCircuitBreaker_CallerEndedTrialFreesSlot(t *testing.T) {
	clock := newTestClock()
	cb := New(Config{Name: "trial", FailureThreshold: 1, ResetTimeout: time.Second, Clock: clock.Now})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_ = cb.Execute(ctx, func(context.Context) error {
		cancel()
		return errBoom
	})
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := New(Config{Name: "panic", FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("kaboom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	cb := New(Config{Name: "call"})
	got, err := Call(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	clock := newTestClock()
	cb := New(Config{Name: "stats", FailureThreshold: 1, ResetTimeout: 10 * time.Second, Clock: clock.Now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)

	s := cb.Stats()
	assert.Equal(t, "stats", s.Name)
	assert.Equal(t, "OPEN", s.State)
	assert.Equal(t, int64(2), s.TotalCalls)
	assert.Equal(t, int64(1), s.TotalFailures)
	assert.Equal(t, int64(1), s.TotalRejections)
	assert.Equal(t, "10s", s.TimeUntilReset)
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb := New(Config{Name: "concurrent", FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(ctx, fail)
			} else {
				_ = cb.Execute(ctx, succeed)
			}
		}(i)
	}
	wg.Wait()

	s := cb.Stats()
	assert.Equal(t, int64(50), s.TotalCalls)
	assert.Equal(t, int64(25), s.TotalFailures)
	assert.Equal(t, "CLOSED", s.State)
}
