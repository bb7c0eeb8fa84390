package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// iterationsTotal counts recorded iterations.
	// Labels: mode (model-central, graph), state (graph state or empty)
	iterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "iterations_total",
			Help:      "Total number of recorded iterations",
		},
		[]string{"mode", "state"},
	)

	iterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "iteration_duration_seconds",
			Help:      "Duration of one iteration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// verdictsTotal counts Safety Gate verdicts on executed candidates.
	// Labels: kind (allowed, blocked-by-pattern, blocked-by-path-escape, blocked-by-resource)
	verdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "verdicts_total",
			Help:      "Total number of safety verdicts by kind",
		},
		[]string{"kind"},
	)

	// executionsTotal counts Executor runs by result class.
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Total number of executions by result class",
		},
		[]string{"class"},
	)

	// sessionsTotal counts finalized sessions.
	// Labels: status (done, failed, exhausted)
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "sessions_total",
			Help:      "Total number of finalized sessions by status",
		},
		[]string{"status"},
	)

	// activeSessions is the number of sessions currently running.
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "orchestrator",
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		},
	)
)
