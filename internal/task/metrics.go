package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_enqueued_total",
			Help: "Total number of tasks placed on the task channel",
		},
		[]string{"type"},
	)

	tasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_processed_total",
			Help: "Total number of tasks processed by workers",
		},
		[]string{"type", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_handling_duration_seconds",
			Help:    "Time spent handling a single task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	resultsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "task_results_claimed_total",
			Help: "Total number of results claimed off the result channel",
		},
	)

	awaitTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "task_await_timeouts_total",
			Help: "Total number of result waits that elapsed with tasks still pending",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_queue_depth",
			Help: "Current length of the task and result channels",
		},
		[]string{"queue"},
	)
)

func recordEnqueue(taskType string) {
	tasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

func recordProcessed(taskType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	tasksProcessedTotal.WithLabelValues(taskType, status).Inc()
}

func recordDuration(taskType string, d time.Duration) {
	taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func recordClaimed(n int) {
	resultsClaimedTotal.Add(float64(n))
}

func recordAwaitTimeout() {
	awaitTimeoutsTotal.Inc()
}

func setQueueDepths(tasks, results int64) {
	queueDepth.WithLabelValues("tasks").Set(float64(tasks))
	queueDepth.WithLabelValues("results").Set(float64(results))
}
