package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// subscription is one registered handler. A nil types set matches every event.
type subscription struct {
	seq     uint64
	types   map[EventType]struct{}
	handler EventHandler
}

func (s *subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type envelope struct {
	ctx   context.Context
	event Event
}

// Stats counts bus traffic since creation.
type Stats struct {
	Published uint64
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// ChannelEventBus queues events on a buffered channel and delivers them from
// a fixed set of worker goroutines. Handlers for one event run in
// subscription order; events themselves may be handled concurrently.
type ChannelEventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	nextID uint64
	closed bool

	queue chan envelope
	done  chan struct{}
	wg    sync.WaitGroup

	bufferSize  int
	workerCount int
	maxRetries  int
	backoff     time.Duration
	logger      *slog.Logger

	published, delivered, failed, dropped atomic.Uint64
}

// ChannelEventBusOption configures a ChannelEventBus.
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the queue capacity.
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if size >= 0 {
			eb.bufferSize = size
		}
	}
}

// WithWorkerCount sets the number of delivery goroutines.
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if count > 0 {
			eb.workerCount = count
		}
	}
}

// WithRetries sets how often a failing handler is retried and the pause
// between attempts.
func WithRetries(maxRetries int, backoff time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if maxRetries >= 0 {
			eb.maxRetries = maxRetries
		}
		eb.backoff = backoff
	}
}

// WithLogger sets the logger for handler failures.
func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewChannelEventBus starts a bus with its workers running.
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subs:        make(map[string]*subscription),
		done:        make(chan struct{}),
		bufferSize:  100,
		workerCount: 5,
		maxRetries:  3,
		backoff:     100 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(eb)
	}
	eb.logger = eb.logger.With("component", "eventbus")

	eb.queue = make(chan envelope, eb.bufferSize)
	eb.wg.Add(eb.workerCount)
	for range eb.workerCount {
		go eb.work()
	}
	return eb
}

func (eb *ChannelEventBus) work() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case env := <-eb.queue:
			eb.deliver(env)
		}
	}
}

// handlersFor snapshots the matching handlers so none run under the lock.
func (eb *ChannelEventBus) handlersFor(t EventType) []*subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []*subscription
	for _, s := range eb.subs {
		if s.matches(t) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (eb *ChannelEventBus) deliver(env envelope) {
	if env.ctx.Err() != nil {
		eb.dropped.Add(1)
		return
	}
	for _, s := range eb.handlersFor(env.event.Type()) {
		if err := eb.call(env.ctx, env.event, s.handler); err != nil {
			eb.failed.Add(1)
			eb.logger.Warn("event handler failed",
				"event_type", env.event.Type(),
				"event_id", env.event.ID(),
				"source", env.event.Source(),
				"attempts", eb.maxRetries+1,
				"error", err)
			continue
		}
		eb.delivered.Add(1)
	}
}

// call runs handler until it succeeds or the retries are spent.
func (eb *ChannelEventBus) call(ctx context.Context, e Event, handler EventHandler) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = recoverCall(ctx, e, handler); err == nil || attempt == eb.maxRetries {
			return err
		}
		timer := time.NewTimer(eb.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-eb.done:
			timer.Stop()
			return ErrBusClosed
		case <-timer.C:
		}
	}
}

func recoverCall(ctx context.Context, e Event, handler EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return handler(ctx, e)
}

// Publish queues an event. It blocks while the queue is full.
func (eb *ChannelEventBus) Publish(ctx context.Context, e Event) error {
	if e == nil {
		return errors.New("event cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if eb.isClosed() {
		return ErrBusClosed
	}

	select {
	case eb.queue <- envelope{ctx: ctx, event: e}:
		eb.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return ErrBusClosed
	}
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.closed
}

func (eb *ChannelEventBus) add(types map[EventType]struct{}, handler EventHandler) (string, error) {
	if handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", ErrBusClosed
	}
	eb.nextID++
	id := uuid.NewString()
	eb.subs[id] = &subscription{seq: eb.nextID, types: types, handler: handler}
	return id, nil
}

// Subscribe registers handler for the given event types.
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if len(eventTypes) == 0 {
		return "", errors.New("at least one event type is required")
	}
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return eb.add(types, handler)
}

// SubscribeAll registers handler for every event type.
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	return eb.add(nil, handler)
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return ErrBusClosed
	}
	delete(eb.subs, subscriptionID)
	return nil
}

// Stats returns the traffic counters.
func (eb *ChannelEventBus) Stats() Stats {
	return Stats{
		Published: eb.published.Load(),
		Delivered: eb.delivered.Load(),
		Failed:    eb.failed.Load(),
		Dropped:   eb.dropped.Load(),
	}
}

// Close stops the workers. Events still queued are counted as dropped.
func (eb *ChannelEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.done)
	eb.wg.Wait()
	for {
		select {
		case <-eb.queue:
			eb.dropped.Add(1)
		default:
			return nil
		}
	}
}
