package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState reports the current state per breaker (0=closed, 1=open, 2=half-open).
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stepflow_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"breaker", "to"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_circuit_breaker_rejections_total",
		Help: "Calls rejected without being attempted",
	}, []string{"breaker"})
)
