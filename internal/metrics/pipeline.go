package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsSubmittedTotal,
		agentRunsTotal,
		clipStageSeconds,
		clipsFinishedTotal,
		batchesDispatchedTotal,
	)
}

var (
	jobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clipforge_jobs_submitted_total",
			Help: "Video jobs accepted by submit.",
		},
	)

	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_agent_runs_total",
			Help: "Finalized agent runs by agent type and status.",
		},
		[]string{"agent_type", "status"},
	)

	clipStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipforge_clip_stage_seconds",
			Help:    "Clip pipeline stage duration by stage and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "outcome"},
	)

	clipsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_clips_finished_total",
			Help: "Clips reaching a terminal status, by intent and status.",
		},
		[]string{"intent", "status"},
	)

	batchesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_batches_dispatched_total",
			Help: "Clip batches dispatched, by intent.",
		},
		[]string{"intent"},
	)
)

func IncJobSubmitted() {
	jobsSubmittedTotal.Inc()
}

func IncAgentRun(agentType, status string) {
	agentRunsTotal.WithLabelValues(norm(agentType), norm(status)).Inc()
}

// ObserveStage records the duration of one clip stage execution.
func ObserveStage(stage string, success bool, d time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	clipStageSeconds.WithLabelValues(norm(stage), outcome).Observe(d.Seconds())
}

func IncClipFinished(intent, status string) {
	clipsFinishedTotal.WithLabelValues(norm(intent), norm(status)).Inc()
}

func IncBatchDispatched(intent string) {
	batchesDispatchedTotal.WithLabelValues(norm(intent)).Inc()
}
