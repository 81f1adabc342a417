package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowTransitions counts login flow state transitions.
	FlowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_flow_transitions_total",
			Help: "The total number of login flow state transitions.",
		},
		[]string{"provider", "from", "to"},
	)

	// FlowErrors counts login attempts that ended in the error state, by kind.
	FlowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_flow_errors_total",
			Help: "The total number of login attempts that failed, by error kind.",
		},
		[]string{"provider", "kind"},
	)

	// ExchangeDuration is a histogram of token endpoint round trips.
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkcelogin_token_exchange_duration_seconds",
			Help:    "A histogram of the authorization code exchange duration.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 10 buckets, 0.1s width
		},
		[]string{"provider", "outcome"},
	)

	// ActiveSessions is the number of live sessions at the last housekeeping run.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkcelogin_active_sessions",
			Help: "The number of unexpired sessions.",
		},
	)

	// PendingStates is the number of issued, unconsumed state entries.
	PendingStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkcelogin_pending_states",
			Help: "The number of state entries awaiting a callback.",
		},
	)

	// HousekeepingPurged counts records removed by housekeeping.
	HousekeepingPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_housekeeping_purged_total",
			Help: "The total number of expired records removed.",
		},
		[]string{"kind"},
	)

	// TasksCompleted is a counter for background tasks completed successfully.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_tasks_completed_total",
			Help: "The total number of background tasks completed successfully.",
		},
		[]string{"task"},
	)

	// TasksFailed is a counter for background tasks moved to the dead letter queue.
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_tasks_failed_total",
			Help: "The total number of background tasks that exhausted their retries.",
		},
		[]string{"task"},
	)

	// TaskRetries is a counter for task retries.
	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_task_retries_total",
			Help: "The total number of times a task has been retried.",
		},
		[]string{"task"},
	)

	// TasksInFlight is a gauge that shows the number of currently running tasks.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkcelogin_tasks_in_flight",
			Help: "The number of tasks currently being executed.",
		},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkcelogin_rate_limited_total",
			Help: "The total number of requests rejected by the rate limiter.",
		},
		[]string{"path"},
	)
)
