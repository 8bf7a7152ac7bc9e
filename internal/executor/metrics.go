package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_executor_steps_total",
		Help: "Settled steps by tool and outcome code (ok for success).",
	}, []string{"tool", "outcome"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepflow_executor_step_duration_seconds",
		Help:    "Wall time of invoked steps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	waveSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stepflow_executor_wave_size",
		Help:    "Number of steps dispatched per wave.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	planDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stepflow_executor_plan_duration_seconds",
		Help:    "Wall time of whole plan executions.",
		Buckets: prometheus.DefBuckets,
	})
)

// ExecutorMetrics tracks statistics about plan execution since the executor
// was created or last reset.
type ExecutorMetrics struct {
	PlansExecuted       int
	StepsExecuted       int
	StepsSuccessful     int
	StepsFailed         int
	StepsShortCircuited int
	StepsSkipped        int
	Waves               int
	TotalDuration       time.Duration
	LongestStepTime     time.Duration
	ShortestStepTime    time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ExecutorMetrics{
		PlansExecuted:       m.PlansExecuted,
		StepsExecuted:       m.StepsExecuted,
		StepsSuccessful:     m.StepsSuccessful,
		StepsFailed:         m.StepsFailed,
		StepsShortCircuited: m.StepsShortCircuited,
		StepsSkipped:        m.StepsSkipped,
		Waves:               m.Waves,
		TotalDuration:       m.TotalDuration,
		LongestStepTime:     m.LongestStepTime,
		ShortestStepTime:    m.ShortestStepTime,
	}
}

func (m *ExecutorMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlansExecuted, m.StepsExecuted, m.StepsSuccessful, m.StepsFailed = 0, 0, 0, 0
	m.StepsShortCircuited, m.StepsSkipped, m.Waves = 0, 0, 0
	m.TotalDuration, m.LongestStepTime, m.ShortestStepTime = 0, 0, 0
}

func (m *ExecutorMetrics) recordWave() {
	m.mu.Lock()
	m.Waves++
	m.mu.Unlock()
}

func (m *ExecutorMetrics) recordPlan(d time.Duration) {
	m.mu.Lock()
	m.PlansExecuted++
	m.TotalDuration += d
	m.mu.Unlock()
}

// recordStep counts a settled step. invoked is false for steps that never
// reached their tool (short-circuited, skipped or unresolved).
func (m *ExecutorMetrics) recordStep(r stepOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case r.shortCircuited:
		m.StepsShortCircuited++
	case r.skipped:
		m.StepsSkipped++
	}
	if r.success {
		m.StepsSuccessful++
	} else {
		m.StepsFailed++
	}
	if !r.invoked {
		return
	}
	m.StepsExecuted++
	if r.duration > m.LongestStepTime {
		m.LongestStepTime = r.duration
	}
	if m.ShortestStepTime == 0 || r.duration < m.ShortestStepTime {
		m.ShortestStepTime = r.duration
	}
}

type stepOutcome struct {
	success        bool
	invoked        bool
	shortCircuited bool
	skipped        bool
	duration       time.Duration
}
