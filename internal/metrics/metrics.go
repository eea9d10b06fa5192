package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AutomationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeflow_automation_runs_total",
		Help: "Total number of engine runs, labelled by trigger type and outcome (ok|error).",
	}, []string{"trigger_type", "outcome"})

	AutomationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeflow_automation_outcomes_total",
		Help: "Total number of automation attempts, labelled by log status.",
	}, []string{"status"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeflow_actions_executed_total",
		Help: "Total number of actions executed, labelled by type and status.",
	}, []string{"action_type", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeflow_run_duration_ms",
		Help:    "Engine run latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"trigger_type"})

	CascadesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeflow_cascades_enqueued_total",
		Help: "Total number of cascade runs handed to the dispatcher.",
	})

	CascadesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeflow_cascades_dropped_total",
		Help: "Total number of cascade runs dropped, labelled by reason (depth|queue_full|closed).",
	}, []string{"reason"})

	CascadeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeflow_cascade_queue_depth",
		Help: "Cascade requests waiting for a worker.",
	})

	RateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeflow_rate_limit_drops_total",
		Help: "Requests rejected with HTTP 429, labelled by limiter.",
	}, []string{"limiter"})
)

// IncRateLimitDrop increments the drop counter for the given limiter.
// Use "global" for the global limiter.
func IncRateLimitDrop(limiter string) {
	if limiter == "" {
		limiter = "global"
	}
	RateLimitDrops.WithLabelValues(limiter).Inc()
}
