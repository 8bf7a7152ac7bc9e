package breaker

import (
	"context"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
)

var transitionEvents = map[State]eventbus.EventType{
	StateOpen:     eventbus.EventCircuitOpened,
	StateHalfOpen: eventbus.EventCircuitHalfOpened,
	StateClosed:   eventbus.EventCircuitClosed,
}

// PublishTransitions returns an OnStateChange hook that reports every
// transition to pub as a circuit_* event with the breaker name as payload.
func PublishTransitions(pub eventbus.Publisher) func(name string, from, to State) {
	return func(name string, from, to State) {
		_ = eventbus.Emit(context.Background(), pub, transitionEvents[to], name, "breaker", map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}
