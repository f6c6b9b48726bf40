package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for geotask.
// Using promauto for automatic registration with default registry.
var (
	// --- Task runner ---

	// RunsStarted counts start() calls by task type.
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "runs_started_total",
			Help:      "Total number of task starts",
		},
		[]string{"task_type"},
	)

	// StartFailures counts start requests that failed or were rejected.
	StartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "start_failures_total",
			Help:      "Total number of failed start requests",
		},
		[]string{"task_type"},
	)

	// PollOutcomes counts terminal poll outcomes by kind.
	PollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "poll_outcomes_total",
			Help:      "Terminal poll loop outcomes by kind",
		},
		[]string{"task_type", "outcome"},
	)

	// StatusRequests counts status requests by result.
	StatusRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "status_requests_total",
			Help:      "Status requests issued by poll loops",
		},
		[]string{"task_type", "result"},
	)

	// ActivePollLoops tracks loops that have not reached a terminal state.
	ActivePollLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "active_poll_loops",
			Help:      "Poll loops currently waiting on a job",
		},
	)

	// PollDuration tracks time from loop creation to its terminal outcome.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "geotask",
			Subsystem: "runner",
			Name:      "poll_duration_seconds",
			Help:      "Time from poll loop creation to terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
		[]string{"task_type", "outcome"},
	)

	// --- Job service client ---

	// RequestDuration tracks remote job service latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "geotask",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests to the remote job service",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"op", "code"},
	)

	// BreakerState exposes circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "geotask",
			Subsystem: "client",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	// --- Reference job service ---

	// JobsSubmitted counts jobs accepted by the job service.
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "jobservice",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the job service",
		},
		[]string{"task_type", "task_name"},
	)

	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "jobservice",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status",
		},
		[]string{"task_type", "status"},
	)

	// JobsRunning tracks jobs currently executing on this replica.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geotask",
			Subsystem: "jobservice",
			Name:      "jobs_running",
			Help:      "Jobs currently executing on this replica",
		},
	)

	// JobsReaped counts jobs failed by the stale-job reaper.
	JobsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "jobservice",
			Name:      "jobs_reaped_total",
			Help:      "Jobs failed by the reaper after exceeding their deadline",
		},
	)

	// --- Run tracking ---

	// TrackerDropped counts run records that could not be queued for persistence.
	TrackerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geotask",
			Subsystem: "runs",
			Name:      "dropped_writes_total",
			Help:      "Run lifecycle writes dropped because the tracker queue was full",
		},
	)
)

// RecordPollOutcome records a loop's terminal outcome and how long it ran.
func RecordPollOutcome(taskType, outcome string, durationSeconds float64) {
	PollOutcomes.WithLabelValues(taskType, outcome).Inc()
	PollDuration.WithLabelValues(taskType, outcome).Observe(durationSeconds)
}
