package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
	"github.com/timmy/clipforge/internal/repository"
)

// cutPointEpsilon merges cut points closer than this many seconds.
const cutPointEpsilon = 0.1

// Segment is a planned [Start, End] clip range in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// PlanSegments turns cut points into contiguous segments covering [0, duration].
// Cut points outside (0, duration) are ignored and points within 0.1s of the
// previous one are merged. Segments shorter than minDuration are dropped and
// reported as warnings.
// Parameters:
//   - timestamps: cut points in seconds, in any order.
//   - duration: source video length in seconds.
//   - minDuration: shortest segment to keep.
// Returns:
//   - []Segment: surviving segments in order.
//   - []string: one warning per dropped segment.
func PlanSegments(timestamps []float64, duration, minDuration float64) ([]Segment, []string) {
	points := make([]float64, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts > 0 && ts < duration && !math.IsNaN(ts) {
			points = append(points, ts)
		}
	}
	sort.Float64s(points)

	cuts := make([]float64, 0, len(points))
	for _, p := range points {
		if len(cuts) > 0 && p <= cuts[len(cuts)-1]+cutPointEpsilon {
			continue
		}
		cuts = append(cuts, p)
	}

	bounds := append([]float64{0}, cuts...)
	bounds = append(bounds, duration)

	var segments []Segment
	var warnings []string
	for i := 0; i+1 < len(bounds); i++ {
		seg := Segment{Start: bounds[i], End: bounds[i+1]}
		if seg.Duration() < minDuration {
			warnings = append(warnings, fmt.Sprintf("dropped segment %s-%s: %.2fs is shorter than the %.2fs minimum",
				FormatTimestamp(seg.Start), FormatTimestamp(seg.End), seg.Duration(), minDuration))
			continue
		}
		segments = append(segments, seg)
	}
	return segments, warnings
}

// ParseTimestamp accepts HH:MM:SS(.ms), MM:SS(.ms) or SS(.ms) and returns seconds.
func ParseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, domain.NewValidationError("timestamp", "is empty")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, domain.NewValidationError("timestamp", "%q has too many fields", s)
	}

	var total float64
	for i, part := range parts {
		last := i == len(parts)-1
		var v float64
		var err error
		if last {
			v, err = strconv.ParseFloat(part, 64)
		} else {
			var n int
			n, err = strconv.Atoi(part)
			v = float64(n)
		}
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, domain.NewValidationError("timestamp", "%q is not a valid time", s)
		}
		if i > 0 && v >= 60 {
			return 0, domain.NewValidationError("timestamp", "%q has a field out of range", s)
		}
		total = total*60 + v
	}
	return total, nil
}

// FormatTimestamp renders seconds as H:MM:SS.s or M:SS.s.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	h := int(sec) / 3600
	m := int(sec) % 3600 / 60
	s := sec - float64(h*3600+m*60)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%04.1f", h, m, s)
	}
	return fmt.Sprintf("%d:%04.1f", m, s)
}

// BatchDispatcher fans a timestamp list out into clip processing tasks.
type BatchDispatcher struct {
	store       *repository.Store
	pipeline    *Pipeline
	minDuration float64
}

// NewBatchDispatcher creates a BatchDispatcher.
func NewBatchDispatcher(store *repository.Store, pipeline *Pipeline, minDuration float64) *BatchDispatcher {
	return &BatchDispatcher{store: store, pipeline: pipeline, minDuration: minDuration}
}

// DispatchBatch plans segments from timestamps, records a batch with one
// Queued clip per segment and enqueues a clip.process task for each. Clips
// are always new records: dispatching the same request twice doubles them.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: Ready job with a known duration.
//   - timestamps: cut points in seconds.
//   - intent: output format of every clip in the batch.
// Returns:
//   - *domain.ClipBatch: the recorded batch, Completed already when nothing survived planning.
//   - error: ValidationError or NotFound for bad input, store errors otherwise.
func (d *BatchDispatcher) DispatchBatch(ctx context.Context, jobID string, timestamps []float64, intent domain.ClipIntent) (*domain.ClipBatch, error) {
	if len(timestamps) == 0 {
		return nil, domain.NewValidationError("timestamps", "no valid timestamps provided")
	}
	if intent == "" {
		intent = domain.ClipIntentLong
	}
	ctx = logger.SetJobID(ctx, jobID)

	job, err := d.store.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireClippable(job); err != nil {
		return nil, err
	}

	segments, warnings := PlanSegments(timestamps, job.DurationSeconds, d.minDuration)
	for _, w := range warnings {
		logger.CtxWarn(ctx, "Batch planning: %s", w)
	}

	batch := &domain.ClipBatch{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Intent:     intent,
		Timestamps: domain.Float64s(timestamps),
		Expected:   len(segments),
		Remaining:  len(segments),
		Warnings:   domain.StringArray(warnings),
		Status:     domain.BatchStatusRunning,
	}
	clips := make([]*domain.Clip, 0, len(segments))
	for _, seg := range segments {
		clip := d.pipeline.newClip(job.ID, seg.Start, seg.End, intent)
		clip.BatchID = &batch.ID
		clips = append(clips, clip)
	}

	err = d.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Batches.Create(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		if len(clips) == 0 {
			_, err := tx.Batches.Complete(ctx, batch.ID)
			return err
		}
		return tx.Clips.Create(ctx, clips...)
	})
	if err != nil {
		return nil, err
	}

	ctx = logger.SetBatchID(ctx, batch.ID)
	metrics.IncBatchDispatched(string(intent))
	if len(clips) == 0 {
		batch.Status = domain.BatchStatusCompleted
		logger.CtxWarn(ctx, "No segments survived planning, batch completed empty")
		return batch, nil
	}

	enqueued := 0
	for _, clip := range clips {
		if err := d.pipeline.enqueue(ctx, clip); err == nil {
			enqueued++
		}
	}
	logger.With(logger.Fields{logger.FieldCount: enqueued}).
		Info(ctx, "Dispatched %d of %d %s clips", enqueued, len(clips), intent)
	return batch, nil
}

// requireClippable rejects jobs whose source is not ready to cut.
func requireClippable(job *domain.VideoJob) error {
	if job.Status != domain.JobStatusReady {
		return domain.NewValidationError("job", "job %s is %s, clips need a Ready job", job.ID, job.Status)
	}
	if job.DurationSeconds <= 0 {
		return domain.NewValidationError("job", "job %s has no known duration", job.ID)
	}
	return nil
}
