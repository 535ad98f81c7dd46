// Package metrics defines the Prometheus collectors shared by the
// orchestration components. Everything is registered on the default
// registry and served through promhttp on the admin surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts task rows inserted, by work kind.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zazzle_tasks_created_total",
		Help: "Number of commission tasks created",
	}, []string{"kind"})

	// TasksDispatched counts dispatch attempts by execution mode and result.
	// Labels:
	//   - mode: "cluster" or "local"
	//   - result: "ok" or "error"
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zazzle_tasks_dispatched_total",
		Help: "Number of task dispatch attempts",
	}, []string{"mode", "result"})

	// TasksCompleted counts terminal task outcomes.
	// Labels:
	//   - status: "completed" or "failed"
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zazzle_tasks_terminal_total",
		Help: "Number of tasks that reached a terminal status",
	}, []string{"status"})

	// SchedulerRuns counts schedule trigger cycles by outcome.
	// Labels:
	//   - result: "ran", "skipped", "lock_busy", "error"
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zazzle_scheduler_runs_total",
		Help: "Schedule trigger cycle outcomes",
	}, []string{"result"})

	// StuckTasksRecovered counts stuck-task monitor actions.
	// Labels:
	//   - action: "retried" or "failed"
	StuckTasksRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zazzle_stuck_tasks_recovered_total",
		Help: "Stuck tasks recovered by the monitor",
	}, []string{"action"})

	// BroadcastConnections tracks currently connected progress listeners.
	BroadcastConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zazzle_broadcast_connections",
		Help: "Currently connected progress listeners",
	})

	// BroadcastSubscriptions tracks active per-task subscriptions.
	BroadcastSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zazzle_broadcast_subscriptions",
		Help: "Active per-task progress subscriptions",
	})
)
