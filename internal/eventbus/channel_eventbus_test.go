package eventbus

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

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	received := make(chan EventType, 1)
	_, err := eb.Subscribe([]EventType{EventStepSucceeded}, func(ctx context.Context, event Event) error {
		received <- event.Type()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventStepSucceeded, nil, "test", nil)))

	select {
	case typ := <-received:
		assert.Equal(t, EventStepSucceeded, typ)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event handler")
	}
}

func TestChannelEventBus_SubscribeAllReceivesEveryType(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))
	defer eb.Close()

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{})
	_, err := eb.SubscribeAll(func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type())
		if len(seen) == 2 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventWaveStarted, nil, "test", nil)))
	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventCircuitOpened, nil, "test", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventWaveStarted, EventCircuitOpened}, seen)
}

func TestChannelEventBus_HandlerRetry(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(2, 5*time.Millisecond),
	)
	defer eb.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := eb.Subscribe([]EventType{EventStepFailed}, func(ctx context.Context, event Event) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventStepFailed, nil, "test", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not retried")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestChannelEventBus_PanickingHandlerDoesNotKillWorker(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1), WithRetries(0, 0))
	defer eb.Close()

	received := make(chan struct{}, 1)
	_, err := eb.Subscribe([]EventType{EventStepStarted}, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = eb.Subscribe([]EventType{EventStepSkipped}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventStepStarted, nil, "test", nil)))
	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventStepSkipped, nil, "test", nil)))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after handler panic")
	}
}

func TestChannelEventBus_ContextCancellation(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1))
	defer eb.Close()

	received := make(chan struct{}, 1)
	_, err := eb.Subscribe([]EventType{EventStepStarted}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = eb.Publish(ctx, NewEvent(EventStepStarted, nil, "test", nil))
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-received:
		t.Error("handler should not be called after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_Unsubscribe(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))
	defer eb.Close()

	var calls atomic.Int32
	id, err := eb.Subscribe([]EventType{EventWaveCompleted}, func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, eb.Unsubscribe(id))

	flushed := make(chan struct{})
	_, err = eb.Subscribe([]EventType{EventWaveCompleted}, func(ctx context.Context, event Event) error {
		close(flushed)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventWaveCompleted, nil, "test", nil)))
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestChannelEventBus_Closed(t *testing.T) {
	eb := NewChannelEventBus()
	require.NoError(t, eb.Close())
	require.NoError(t, eb.Close())

	assert.ErrorIs(t, eb.Publish(context.Background(), NewEvent(EventStepStarted, nil, "test", nil)), ErrBusClosed)
	_, err := eb.SubscribeAll(func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEmit_NilPublisher(t *testing.T) {
	assert.NoError(t, Emit(context.Background(), nil, EventStepStarted, nil, "test", nil))
}

func TestChannelEventBus_HandlersRunInSubscriptionOrder(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1), WithRetries(0, 0))
	defer eb.Close()

	var order []string
	done := make(chan struct{})
	for _, name := range []string{"first", "second", "third"} {
		_, err := eb.Subscribe([]EventType{EventWaveStarted}, func(context.Context, Event) error {
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			return nil
		})
		require.NoError(t, err)
	}
	_, err := eb.SubscribeAll(func(context.Context, Event) error { return errors.New("always") })
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventWaveStarted, nil, "test", nil)))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handlers")
	}
	require.Eventually(t, func() bool { return eb.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	stats := eb.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(3), stats.Delivered)
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventStepStarted, 42, "executor", nil)
	b := NewEvent(EventStepStarted, 42, "executor", map[string]any{"step": 1})

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotNil(t, a.Metadata())
	assert.Equal(t, 1, b.Metadata()["step"])
	assert.WithinDuration(t, time.Now(), a.Timestamp(), time.Second)
	assert.Equal(t, "executor", a.Source())
	assert.Equal(t, 42, a.Payload())
}
