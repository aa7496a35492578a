package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		tasksProcessedTotal,
		taskDurationSeconds,
		tasksDeadLetteredTotal,
		queueDepth,
	)
}

var (
	tasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_tasks_processed_total",
			Help: "Queue task deliveries by task name and outcome.",
		},
		[]string{"task", "outcome"}, // 'done', 'retry', 'dead'
	)

	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipforge_task_duration_seconds",
			Help:    "Handler duration per task delivery.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600, 1800},
		},
		[]string{"task"},
	)

	tasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead-letter list.",
		},
		[]string{"task"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clipforge_queue_depth",
			Help: "Tasks waiting per queue list (ready, delayed, processing, dead).",
		},
		[]string{"list"},
	)
)

// ObserveTask records one handler invocation.
func ObserveTask(task, outcome string, d time.Duration) {
	tasksProcessedTotal.WithLabelValues(norm(task), norm(outcome)).Inc()
	taskDurationSeconds.WithLabelValues(norm(task)).Observe(d.Seconds())
	if outcome == "dead" {
		tasksDeadLetteredTotal.WithLabelValues(norm(task)).Inc()
	}
}

// SetQueueDepth publishes the length of a queue list.
func SetQueueDepth(list string, n int64) {
	queueDepth.WithLabelValues(norm(list)).Set(float64(n))
}
