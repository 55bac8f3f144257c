// Package metrics declares the Prometheus collectors the scheduler core and
// its surrounding service publish. Grounded on the teacher's
// observability/metrics.go: a package of promauto-registered package-level
// vars, no wrapper struct.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marathon_queue_depth",
		Help: "Pending launch entries in the task queue",
	}, []string{"app_id"})

	TrackedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marathon_tracked_tasks",
		Help: "Tasks currently tracked per application",
	}, []string{"app_id"})

	OffersAnswered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_offers_answered_total",
		Help: "Resource offers answered, by outcome",
	}, []string{"outcome"}) // launched, declined

	StatusUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_status_updates_total",
		Help: "Task status updates processed, by state",
	}, []string{"state"})

	TasksKilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_tasks_killed_total",
		Help: "KillTask calls issued, by reason",
	}, []string{"reason"}) // stuck_staging, scale_down, stop_app, unknown, reconcile_orphan

	ScaleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_scale_operations_total",
		Help: "scale() invocations, by direction",
	}, []string{"direction"}) // up, down, noop, suppressed

	UpgradeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_upgrade_outcomes_total",
		Help: "Upgrade completions, by outcome",
	}, []string{"outcome"}) // success, failed

	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_leader_transitions_total",
		Help: "Leadership acquisitions and losses",
	}, []string{"node_id", "event"})

	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marathon_leader_epoch",
		Help: "Current fencing epoch held by this node, 0 if not leader",
	}, []string{"node_id"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marathon_reconcile_duration_seconds",
		Help:    "Duration of a full reconcileTasks pass",
		Buckets: prometheus.DefBuckets,
	})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_event_publish_failures_total",
		Help: "Event bus publish attempts that failed, best-effort and non-blocking",
	}, []string{"kind"})
)
