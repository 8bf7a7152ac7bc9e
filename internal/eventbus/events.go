// Package eventbus carries process, plan, wave, step and circuit events to
// subscribers.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened.
type EventType string

const (
	EventPlanExecutionStarted   EventType = "plan_execution_started"
	EventPlanExecutionCompleted EventType = "plan_execution_completed"
	EventPlanExecutionRejected  EventType = "plan_execution_rejected"

	EventWaveStarted   EventType = "wave_started"
	EventWaveCompleted EventType = "wave_completed"

	EventStepStarted        EventType = "step_started"
	EventStepSucceeded      EventType = "step_succeeded"
	EventStepFailed         EventType = "step_failed"
	EventStepShortCircuited EventType = "step_short_circuited"
	EventStepSkipped        EventType = "step_skipped"

	EventCircuitOpened     EventType = "circuit_opened"
	EventCircuitHalfOpened EventType = "circuit_half_opened"
	EventCircuitClosed     EventType = "circuit_closed"

	EventPlanGenerationStarted EventType = "plan_generation_started"
	EventPlanGenerationSuccess EventType = "plan_generation_success"
	EventPlanGenerationFailure EventType = "plan_generation_failure"

	EventSynthesisStarted EventType = "synthesis_started"
	EventSynthesisSuccess EventType = "synthesis_success"
	EventSynthesisFailure EventType = "synthesis_failure"

	EventQueryProcessingStarted EventType = "query_processing_started"
	EventQueryProcessingSuccess EventType = "query_processing_success"
	EventQueryProcessingFailure EventType = "query_processing_failure"

	EventQueryAsyncProcessingStarted   EventType = "query_async_processing_started"
	EventQueryAsyncProcessingSuccess   EventType = "query_async_processing_success"
	EventQueryAsyncProcessingFailure   EventType = "query_async_processing_failure"
	EventQueryAsyncProcessingCancelled EventType = "query_async_processing_cancelled"
)

// EventHandler consumes one event. A returned error makes the bus retry.
type EventHandler func(context.Context, Event) error

// Event is a published occurrence.
type Event interface {
	ID() string
	Type() EventType
	Payload() any
	Metadata() map[string]any
	Timestamp() time.Time
	// Source names the component that published the event.
	Source() string
}

// Publisher is the write side of an EventBus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventBus fans published events out to subscribers.
type EventBus interface {
	Publisher
	// Subscribe registers handler for the given types and returns a subscription ID.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)
	SubscribeAll(handler EventHandler) (string, error)
	Unsubscribe(subscriptionID string) error
	Close() error
}

type event struct {
	id       string
	typ      EventType
	payload  any
	metadata map[string]any
	at       time.Time
	source   string
}

// NewEvent stamps a new event with an ID and the current time. A nil
// metadata map is replaced with an empty one.
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &event{
		id:       uuid.NewString(),
		typ:      eventType,
		payload:  payload,
		metadata: metadata,
		at:       time.Now(),
		source:   source,
	}
}

func (e *event) ID() string               { return e.id }
func (e *event) Type() EventType          { return e.typ }
func (e *event) Payload() any             { return e.payload }
func (e *event) Metadata() map[string]any { return e.metadata }
func (e *event) Timestamp() time.Time     { return e.at }
func (e *event) Source() string           { return e.source }

// Emit publishes an event if p is non-nil. The event outlives ctx's
// cancellation so that cancelled operations still get reported.
func Emit(ctx context.Context, p Publisher, eventType EventType, payload any, source string, metadata map[string]any) error {
	if p == nil {
		return nil
	}
	return p.Publish(context.WithoutCancel(ctx), NewEvent(eventType, payload, source, metadata))
}
