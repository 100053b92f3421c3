// Package metrics exports Prometheus instrumentation for the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_workers_total",
			Help: "Number of workers currently registered with the scheduler.",
		},
	)

	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_tasks_by_state",
			Help: "Number of tasks in each scheduler-tracked state.",
		},
		[]string{"state"},
	)

	GraphsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_graphs_admitted_total",
			Help: "Total number of update-graph submissions admitted.",
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a worker.",
		},
	)

	TasksErred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_tasks_erred_total",
			Help: "Total number of tasks that finished with a user exception.",
		},
	)

	DecideWorkerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_decide_worker_duration_seconds",
			Help:    "Time taken to choose a worker for one task.",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_heal_duration_seconds",
			Help:    "Time taken to run a full heal reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_heal_cycles_total",
			Help: "Total number of heal reconciliation passes run.",
		},
	)

	WorkersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_workers_removed_total",
			Help: "Total number of workers removed due to loss or timeout.",
		},
	)

	DeleteBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_delete_batches_total",
			Help: "Total number of batched delete-data messages sent to workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		TasksByState,
		GraphsAdmitted,
		TasksScheduled,
		TasksErred,
		DecideWorkerDuration,
		HealDuration,
		HealCyclesTotal,
		WorkersRemoved,
		DeleteBatches,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
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
