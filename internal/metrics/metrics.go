// Package metrics exposes Prometheus metrics for task polling, execution and
// reporting. Metrics are registered with the default registerer and are
// driven entirely by lifecycle events through Listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/taskworker/internal/events"
)

// Label values for the execution outcome.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTerminal  = "terminal"
)

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_polls_total",
			Help: "Total number of batch polls issued.",
		},
		[]string{"task_type"},
	)

	pollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_poll_errors_total",
			Help: "Total number of batch polls that failed.",
		},
		[]string{"task_type"},
	)

	tasksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_tasks_received_total",
			Help: "Total number of tasks returned by batch polls.",
		},
		[]string{"task_type"},
	)

	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_poll_duration_seconds",
			Help:    "Batch poll round-trip time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_task_executions_total",
			Help: "Total number of task executions by outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_task_execution_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	resultSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_task_result_size_bytes",
			Help:    "JSON-encoded size of task output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"task_type"},
	)

	updateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_task_update_failures_total",
			Help: "Total number of task results that could not be reported after every retry.",
		},
		[]string{"task_type"},
	)

	tasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskworker_tasks_in_flight",
			Help: "Number of tasks currently executing.",
		},
		[]string{"task_type"},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(pollErrorsTotal)
	prometheus.MustRegister(tasksReceivedTotal)
	prometheus.MustRegister(pollDuration)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(resultSize)
	prometheus.MustRegister(updateFailuresTotal)
	prometheus.MustRegister(tasksInFlight)
}

// Preinit creates every label combination for the given task types so they
// appear in /metrics with value 0 before the first observation.
func Preinit(taskTypes ...string) {
	for _, tt := range taskTypes {
		pollsTotal.WithLabelValues(tt)
		pollErrorsTotal.WithLabelValues(tt)
		tasksReceivedTotal.WithLabelValues(tt)
		updateFailuresTotal.WithLabelValues(tt)
		tasksInFlight.WithLabelValues(tt)
		for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeTerminal} {
			executionsTotal.WithLabelValues(tt, o)
		}
	}
}

// Listener returns an event listener that records every lifecycle event.
func Listener() *events.Listener {
	return &events.Listener{
		Name: "prometheus",
		OnPollStarted: func(e events.PollStarted) error {
			pollsTotal.WithLabelValues(e.TaskType).Inc()
			return nil
		},
		OnPollCompleted: func(e events.PollCompleted) error {
			pollDuration.WithLabelValues(e.TaskType).Observe(e.Duration.Seconds())
			tasksReceivedTotal.WithLabelValues(e.TaskType).Add(float64(e.TasksReceived))
			return nil
		},
		OnPollFailure: func(e events.PollFailure) error {
			pollDuration.WithLabelValues(e.TaskType).Observe(e.Duration.Seconds())
			pollErrorsTotal.WithLabelValues(e.TaskType).Inc()
			return nil
		},
		OnTaskExecutionStarted: func(e events.TaskExecutionStarted) error {
			tasksInFlight.WithLabelValues(e.TaskType).Inc()
			return nil
		},
		OnTaskExecutionCompleted: func(e events.TaskExecutionCompleted) error {
			tasksInFlight.WithLabelValues(e.TaskType).Dec()
			executionsTotal.WithLabelValues(e.TaskType, outcomeCompleted).Inc()
			executionDuration.WithLabelValues(e.TaskType).Observe(e.Duration.Seconds())
			if e.OutputSize >= 0 {
				resultSize.WithLabelValues(e.TaskType).Observe(float64(e.OutputSize))
			}
			return nil
		},
		OnTaskExecutionFailure: func(e events.TaskExecutionFailure) error {
			tasksInFlight.WithLabelValues(e.TaskType).Dec()
			outcome := outcomeFailed
			if e.Terminal {
				outcome = outcomeTerminal
			}
			executionsTotal.WithLabelValues(e.TaskType, outcome).Inc()
			executionDuration.WithLabelValues(e.TaskType).Observe(e.Duration.Seconds())
			return nil
		},
		OnTaskUpdateFailure: func(e events.TaskUpdateFailure) error {
			updateFailuresTotal.WithLabelValues(e.TaskType).Inc()
			return nil
		},
	}
}
