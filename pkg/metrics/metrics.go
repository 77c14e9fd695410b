// Package metrics defines the Prometheus instrumentation for served's
// transaction runner: event-queue drops, transaction throughput, store commit
// latency and cleanup activity. The package never opens a listener
// itself — transport is out of scope for the core — it only registers
// collectors against Registry, which an embedder (the served CLI, or a
// host process) can expose however it likes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the collector registry served's metrics are registered
// against. It defaults to a private registry (not the global default)
// so importing this package never has side effects on a host process's
// own /metrics output.
var Registry = prometheus.NewRegistry()

var (
	// TransactionsTotal counts transactions that have reached a terminal
	// state, by type and terminal state.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "served_transactions_total",
			Help: "Total number of transactions that reached a terminal state, by type and state",
		},
		[]string{"type", "state"},
	)

	// TransactionsActive is the number of transactions currently tracked
	// by the runner that have not yet reached a terminal state.
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "served_transactions_active",
			Help: "Number of transactions not yet in a terminal state",
		},
	)

	// TransactionsWaiting is the number of transactions currently parked
	// on a wait descriptor, by wait kind.
	TransactionsWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "served_transactions_waiting",
			Help: "Number of parked transactions by wait kind",
		},
		[]string{"kind"},
	)

	// RunnerStepsTotal counts SM Execute() calls dispatched by the runner.
	RunnerStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "served_runner_steps_total",
			Help: "Total number of state machine steps dispatched by the runner",
		},
	)

	// EventQueueDropsTotal counts events dropped because a machine's
	// event queue was full.
	EventQueueDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "served_event_queue_drops_total",
			Help: "Total number of events dropped due to a full event queue",
		},
	)

	// StoreCommitDuration times the deferred-operation flush on outermost
	// unlock.
	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "served_store_commit_duration_seconds",
			Help:    "Time taken to commit a deferred-operation batch on outermost unlock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StoreCommitFailuresTotal counts deferred batches that failed to
	// commit (rolled back, cache marked possibly divergent).
	StoreCommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "served_store_commit_failures_total",
			Help: "Total number of deferred-operation batches that failed to commit",
		},
	)

	// StoreDeferredOpsTotal counts individual deferred operations
	// committed by a successful outermost unlock, by kind.
	StoreDeferredOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "served_store_deferred_ops_total",
			Help: "Total number of deferred operations committed, by kind",
		},
		[]string{"kind"},
	)

	// CleanupPrunedTotal counts transactions removed by cleanup().
	CleanupPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "served_cleanup_pruned_total",
			Help: "Total number of completed transactions pruned by cleanup",
		},
	)

	// ApplicationsTotal tracks the current number of installed applications.
	ApplicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "served_applications_total",
			Help: "Current number of installed applications",
		},
	)
)

func init() {
	Registry.MustRegister(
		TransactionsTotal,
		TransactionsActive,
		TransactionsWaiting,
		RunnerStepsTotal,
		EventQueueDropsTotal,
		StoreCommitDuration,
		StoreCommitFailuresTotal,
		StoreDeferredOpsTotal,
		CleanupPrunedTotal,
		ApplicationsTotal,
	)
}

// Timer is a small helper for timing an operation and observing its
// duration into a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
