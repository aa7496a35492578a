package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/repository"
)

// ReclaimStats counts what one reconciliation pass failed.
type ReclaimStats struct {
	Runs  int
	Clips int
}

// Reconciler fails agent runs and clips that stopped making progress, for
// example because their worker died mid-task. Reclaimed records go through
// the same failure paths as any other failure, so jobs move to Error and
// batches still complete.
type Reconciler struct {
	store    *repository.Store
	runner   *AgentRunner
	pipeline *Pipeline
}

// NewReconciler creates a Reconciler.
func NewReconciler(store *repository.Store, runner *AgentRunner, pipeline *Pipeline) *Reconciler {
	return &Reconciler{store: store, runner: runner, pipeline: pipeline}
}

// ReclaimStale fails agent runs and in-flight clips not updated since cutoff.
// Pending runs are included: their task was lost before a worker took it,
// and an active run would otherwise block Reprocess for good.
func (r *Reconciler) ReclaimStale(ctx context.Context, cutoff time.Time) (ReclaimStats, error) {
	var stats ReclaimStats

	runs, err := r.store.Runs.Stale(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list stale runs: %w", err)
	}
	for i := range runs {
		run := &runs[i]
		cause := fmt.Errorf("reclaimed: no progress since %s", run.UpdatedAt.Format(time.RFC3339))
		if run.Status == domain.AgentRunPending {
			cause = fmt.Errorf("reclaimed: never started since %s", run.UpdatedAt.Format(time.RFC3339))
		}
		if r.runner.Fail(ctx, run, cause) {
			stats.Runs++
		}
	}

	clips, err := r.store.Clips.Stale(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list stale clips: %w", err)
	}
	for i := range clips {
		clip := &clips[i]
		msg := fmt.Sprintf("reclaimed: stuck in %s since %s", clip.Status.Label(), clip.UpdatedAt.Format(time.RFC3339))
		moved, err := r.pipeline.Fail(ctx, clip, msg)
		if err != nil {
			logger.CtxError(ctx, "Failed to reclaim clip %s: %v", clip.ID, err)
			continue
		}
		if moved {
			stats.Clips++
		}
	}

	if stats.Runs > 0 || stats.Clips > 0 {
		logger.CtxWarn(ctx, "Reclaimed %d agent run(s) and %d clip(s)", stats.Runs, stats.Clips)
	}
	return stats, nil
}

// Start runs ReclaimStale every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval, staleAfter time.Duration) {
	ctx = logger.SetComponent(ctx, "reconciler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReclaimStale(ctx, time.Now().Add(-staleAfter)); err != nil {
				logger.CtxError(ctx, "Reconciliation failed: %v", err)
			}
		}
	}
}
