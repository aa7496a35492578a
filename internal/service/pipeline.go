package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/storage"
	"github.com/timmy/clipforge/internal/tools"
)

// errClaimed signals that another delivery moved the clip first.
var errClaimed = errors.New("clip claimed by another delivery")

// defaultStageLease bounds a single stage when no lease is configured.
const defaultStageLease = 30 * time.Minute

// PipelineConfig holds the clip pipeline settings.
type PipelineConfig struct {
	ClipsDir          string
	TempDir           string // audio scratch directory; empty uses the job's clip directory
	ShortAspectRatio  float64
	MinDuration       float64
	ManualMaxDuration float64
	StoragePrefix     string
	StageLease        time.Duration
	Policy            queue.RetryPolicy
}

// clipRun is the state shared by the stages of one delivery.
type clipRun struct {
	clip       *domain.Clip
	job        *domain.VideoJob
	lease      string
	audioPath  string
	transcript *domain.ClipTranscript
}

type stageFunc func(ctx context.Context, r *clipRun) error

type clipPayload struct {
	ClipID string `json:"clip_id"`
}

// Pipeline runs the per-clip stage sequence.
type Pipeline struct {
	store   *repository.Store
	queue   queue.Queue
	tools   *tools.Toolset
	storage storage.ObjectStorage
	cfg     PipelineConfig
	stages  map[domain.ClipStatus]stageFunc
}

// NewPipeline creates a Pipeline. objectStorage may be nil.
func NewPipeline(store *repository.Store, q queue.Queue, toolset *tools.Toolset, objectStorage storage.ObjectStorage, cfg *PipelineConfig) *Pipeline {
	p := &Pipeline{
		store:   store,
		queue:   q,
		tools:   toolset,
		storage: objectStorage,
		cfg:     *cfg,
	}
	if p.cfg.StageLease <= 0 {
		p.cfg.StageLease = defaultStageLease
	}
	p.stages = map[domain.ClipStatus]stageFunc{
		domain.ClipStatusClipping:           p.cut,
		domain.ClipStatusEditing:            p.edit,
		domain.ClipStatusExtractingAudio:    p.extractAudio,
		domain.ClipStatusTranscribing:       p.transcribe,
		domain.ClipStatusGeneratingMetadata: p.generateMetadata,
	}
	return p
}

// ProcessSingleClip validates an ad hoc range and queues it through the same pipeline as batches.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: Ready job to cut from.
//   - start, end: range in seconds; a negative start is clamped to zero.
//   - intent: output format.
// Returns:
//   - *domain.Clip: the Queued clip.
//   - error: ValidationError or NotFound for bad input, store or queue errors otherwise.
func (p *Pipeline) ProcessSingleClip(ctx context.Context, jobID string, start, end float64, intent domain.ClipIntent) (*domain.Clip, error) {
	ctx = logger.SetJobID(ctx, jobID)
	job, err := p.store.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireClippable(job); err != nil {
		return nil, err
	}
	if intent == "" {
		intent = domain.ClipIntentLong
	}

	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil, domain.NewValidationError("end", "must be after start")
	}
	length := end - start
	if length < p.cfg.MinDuration {
		return nil, domain.NewValidationError("end", "clip is %.2fs, minimum is %.2fs", length, p.cfg.MinDuration)
	}
	if p.cfg.ManualMaxDuration > 0 && length > p.cfg.ManualMaxDuration {
		return nil, domain.NewValidationError("end", "clip is %.2fs, maximum is %.2fs", length, p.cfg.ManualMaxDuration)
	}
	if end > job.DurationSeconds+cutPointEpsilon {
		return nil, domain.NewValidationError("end", "%.2fs is past the end of the video (%.2fs)", end, job.DurationSeconds)
	}
	if end > job.DurationSeconds {
		end = job.DurationSeconds
	}

	clip := p.newClip(job.ID, start, end, intent)
	if err := p.store.Clips.Create(ctx, clip); err != nil {
		return nil, fmt.Errorf("create clip: %w", err)
	}
	if err := p.enqueue(ctx, clip); err != nil {
		return nil, err
	}
	logger.CtxInfo(ctx, "Queued single %s clip %s-%s", intent, FormatTimestamp(start), FormatTimestamp(end))
	return clip, nil
}

// newClip builds a Queued clip with its output path assigned.
func (p *Pipeline) newClip(jobID string, start, end float64, intent domain.ClipIntent) *domain.Clip {
	id := uuid.NewString()
	name := fmt.Sprintf("clip_%s_%s-%s.mp4", id, secondsTag(start), secondsTag(end))
	return &domain.Clip{
		ID:        id,
		JobID:     jobID,
		FilePath:  filepath.Join(p.cfg.ClipsDir, "job_"+jobID, name),
		StartTime: start,
		EndTime:   end,
		Intent:    intent,
		Status:    domain.ClipStatusQueued,
	}
}

// secondsTag renders 12.5 as "12s5" for file names.
func secondsTag(sec float64) string {
	return strings.Replace(fmt.Sprintf("%.1f", sec), ".", "s", 1)
}

// enqueue schedules clip.process for clip. A clip that cannot be queued is
// failed right away so its batch still completes.
func (p *Pipeline) enqueue(ctx context.Context, clip *domain.Clip) error {
	_, err := p.queue.Enqueue(ctx, queue.TaskClipProcess, clipPayload{ClipID: clip.ID}, p.cfg.Policy)
	if err == nil {
		return nil
	}
	logger.CtxError(ctx, "Failed to enqueue clip %s: %v", clip.ID, err)
	if _, ferr := p.finish(logger.SetClipID(ctx, clip.ID), clip, "", domain.ClipStatusFailed, fmt.Sprintf("enqueue failed: %v", err)); ferr != nil {
		logger.CtxError(ctx, "Failed to fail unqueued clip %s: %v", clip.ID, ferr)
	}
	return fmt.Errorf("enqueue clip %s: %w", clip.ID, err)
}

// HandleTask is the queue handler for clip.process.
func (p *Pipeline) HandleTask(ctx context.Context, task *queue.Task) error {
	var payload clipPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	if payload.ClipID == "" {
		return errors.New("clip.process payload has no clip_id")
	}
	ctx = logger.SetComponent(logger.SetClipID(ctx, payload.ClipID), "pipeline")
	return p.ProcessClip(ctx, payload.ClipID, task.LastAttempt())
}

// ProcessClip runs the remaining stages of a clip. Terminal clips are left
// untouched; others resume at their current stage. The delivery first takes
// the clip's stage lease, so a concurrent delivery of the same clip is a
// no-op until the lease expires. A retryable tool failure leaves the clip at
// its stage and is returned for redelivery unless final is set; any other
// failure marks the clip Failed with the error message.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - clipID: clip to process.
//   - final: whether this is the last delivery the queue will make.
// Returns:
//   - error: the stage error when the clip did not complete, a retryable store
//     error when the terminal status could not be recorded; nil for no-ops and successes.
func (p *Pipeline) ProcessClip(ctx context.Context, clipID string, final bool) error {
	clip, err := p.store.Clips.GetByID(ctx, clipID)
	if err != nil {
		if repository.IsNotFound(err) {
			logger.CtxWarn(ctx, "Clip %s no longer exists, dropping task", clipID)
			return nil
		}
		return domain.NewToolError("store", "load clip", err)
	}
	ctx = logger.SetJobID(ctx, clip.JobID)
	if clip.BatchID != nil {
		ctx = logger.SetBatchID(ctx, *clip.BatchID)
	}
	if clip.Status.IsTerminal() {
		logger.CtxInfo(ctx, "Clip already %s, nothing to do", clip.Status)
		return nil
	}

	job, err := p.store.Jobs.GetByID(ctx, clip.JobID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return domain.NewToolError("store", "load job", err)
	}

	lease := uuid.NewString()
	claimed, err := p.store.Clips.Claim(ctx, clip.ID, clip.Status, lease, time.Now().Add(p.cfg.StageLease))
	if err != nil {
		return domain.NewToolError("store", "claim clip", err)
	}
	if !claimed {
		logger.CtxInfo(ctx, "Clip is held by another delivery, skipping")
		return nil
	}
	defer p.release(ctx, clip.ID, lease)

	run := &clipRun{clip: clip, job: job, lease: lease}
	defer p.removeAudio(ctx, run)

	err = p.runStages(ctx, run)
	switch {
	case err == nil:
		moved, ferr := p.finish(ctx, clip, lease, domain.ClipStatusCompleted, "")
		if ferr != nil {
			return domain.NewToolError("store", "record terminal status", ferr)
		}
		if moved {
			p.publish(ctx, clip)
		}
		return nil
	case errors.Is(err, errClaimed):
		logger.CtxInfo(ctx, "Clip moved by another delivery, stopping")
		return nil
	case domain.IsRetryable(err) && !final:
		return err
	default:
		if _, ferr := p.finish(ctx, clip, lease, domain.ClipStatusFailed, err.Error()); ferr != nil {
			return domain.NewToolError("store", "record terminal status", ferr)
		}
		return err
	}
}

// runStages walks the stage order from the clip's current status. The
// current stage is rerun since it may not have finished.
func (p *Pipeline) runStages(ctx context.Context, r *clipRun) error {
	status := r.clip.Status
	if status == domain.ClipStatusQueued {
		status, _ = domain.NextClipStatus(status, r.clip.Intent)
	}
	for status != domain.ClipStatusCompleted {
		run, ok := p.stages[status]
		if !ok {
			return &domain.UnexpectedError{Err: fmt.Errorf("no stage for status %s", status)}
		}

		// Persist the stage before running it; a redelivery resumes here.
		moved, err := p.store.Clips.TransitionHeld(ctx, r.clip.ID, r.lease, []domain.ClipStatus{r.clip.Status}, status,
			map[string]interface{}{"error_message": nil, "lease_until": time.Now().Add(p.cfg.StageLease)})
		if err != nil {
			return domain.NewToolError("store", "record stage", err)
		}
		if !moved {
			return errClaimed
		}
		r.clip.Status = status

		start := time.Now()
		err = p.runStage(ctx, status, run, r)
		elapsed := time.Since(start)
		metrics.ObserveStage(string(status), err == nil, elapsed)

		entry := logger.With(logger.Fields{logger.FieldDurationMs: elapsed.Milliseconds()}).WithStage(string(status))
		if err != nil {
			entry.Warn(ctx, "Stage %s failed: %v", status.Label(), err)
			return err
		}
		entry.Debug(ctx, "Stage %s done", status.Label())

		status, _ = domain.NextClipStatus(status, r.clip.Intent)
	}
	return nil
}

// runStage executes one stage, turning panics into UnexpectedError.
func (p *Pipeline) runStage(ctx context.Context, status domain.ClipStatus, run stageFunc, r *clipRun) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.CtxError(ctx, "Stage %s panicked: %v\n%s", status, rec, debug.Stack())
			err = &domain.UnexpectedError{Err: fmt.Errorf("panic in %s: %v", status, rec)}
		}
	}()
	return run(ctx, r)
}

func (p *Pipeline) cut(ctx context.Context, r *clipRun) error {
	if r.job.FilePath == "" {
		return domain.NewPermanentToolError("cut", "job has no source file", nil)
	}
	if err := os.MkdirAll(filepath.Dir(r.clip.FilePath), 0o755); err != nil {
		return &domain.UnexpectedError{Err: err}
	}
	return p.tools.Cutter.CutClip(ctx, r.job.FilePath, r.clip.FilePath, r.clip.StartTime, r.clip.EndTime)
}

func (p *Pipeline) edit(ctx context.Context, r *clipRun) error {
	return p.tools.Editor.EditClip(ctx, r.clip.FilePath, r.clip.FilePath, p.cfg.ShortAspectRatio)
}

func (p *Pipeline) audioPath(clip *domain.Clip) string {
	dir := p.cfg.TempDir
	if dir == "" {
		dir = filepath.Dir(clip.FilePath)
	}
	return filepath.Join(dir, "clip_"+clip.ID+".wav")
}

func (p *Pipeline) extractAudio(ctx context.Context, r *clipRun) error {
	path := p.audioPath(r.clip)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &domain.UnexpectedError{Err: err}
	}
	if err := p.store.Clips.UpdateFields(ctx, r.clip.ID, map[string]interface{}{"audio_path": path}); err != nil {
		return domain.NewToolError("store", "record audio path", err)
	}
	r.audioPath = path
	return p.tools.Audio.ExtractAudio(ctx, r.clip.FilePath, path)
}

func (p *Pipeline) transcribe(ctx context.Context, r *clipRun) error {
	if r.audioPath == "" {
		// Resumed after the audio of an earlier delivery was removed.
		if err := p.extractAudio(ctx, r); err != nil {
			return err
		}
	}

	segments, err := p.tools.Transcriber.Transcribe(ctx, r.audioPath)
	t := &domain.ClipTranscript{ClipID: r.clip.ID, Segments: segments, Status: domain.RecordCompleted}
	if err != nil {
		msg := err.Error()
		t.Segments = domain.TranscriptSegments{}
		t.Status = domain.RecordFailed
		t.ErrorMessage = &msg
	}
	if uerr := p.store.Clips.UpsertTranscript(ctx, t); uerr != nil {
		if err != nil {
			return err
		}
		return domain.NewToolError("store", "save transcript", uerr)
	}
	if err != nil {
		return err
	}
	r.transcript = t
	logger.With(logger.Fields{logger.FieldCount: len(segments)}).Debug(ctx, "Transcribed clip")
	return nil
}

func (p *Pipeline) generateMetadata(ctx context.Context, r *clipRun) error {
	if r.transcript == nil {
		t, err := p.store.Clips.GetTranscript(ctx, r.clip.ID)
		if err != nil {
			return domain.NewToolError("store", "load transcript", err)
		}
		r.transcript = t
	}
	if r.transcript == nil || r.transcript.Status != domain.RecordCompleted {
		return domain.NewPermanentToolError("metadata", "transcript is not available", nil)
	}

	generated, err := p.tools.Metadata.GenerateMetadata(ctx, r.transcript.Segments.Text())
	m := &domain.ClipMetadata{ClipID: r.clip.ID, Model: p.tools.Metadata.Model(), Status: domain.RecordCompleted, Keywords: domain.StringArray{}}
	if err != nil {
		msg := err.Error()
		m.Status = domain.RecordFailed
		m.ErrorMessage = &msg
	} else {
		m.Title = generated.Title
		m.Description = generated.Description
		m.Keywords = domain.StringArray(generated.Keywords)
	}
	if uerr := p.store.Clips.UpsertMetadata(ctx, m); uerr != nil {
		if err != nil {
			return err
		}
		return domain.NewToolError("store", "save metadata", uerr)
	}
	return err
}

// finish moves a clip to a terminal status and, in the same transaction,
// counts it against its batch. A non-empty lease restricts the move to the
// delivery holding it. It reports whether this call made the move; a clip
// that was already terminal is not counted again.
func (p *Pipeline) finish(ctx context.Context, clip *domain.Clip, lease string, status domain.ClipStatus, msg string) (bool, error) {
	from := []domain.ClipStatus{clip.Status}
	updates := map[string]interface{}{"error_message": nil, "lease_token": nil, "lease_until": nil}
	if status == domain.ClipStatusFailed {
		from = inFlightClipStatuses
		if msg == "" {
			msg = "Unknown error"
		}
		updates["error_message"] = msg
	}

	var moved bool
	var batch *domain.ClipBatch
	var batchDone bool
	err := p.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		if lease != "" {
			moved, err = tx.Clips.TransitionHeld(ctx, clip.ID, lease, from, status, updates)
		} else {
			moved, err = tx.Clips.Transition(ctx, clip.ID, from, status, updates)
		}
		if err != nil || !moved || clip.BatchID == nil {
			return err
		}
		batch, batchDone, err = tx.Batches.RecordChildResult(ctx, *clip.BatchID, status == domain.ClipStatusCompleted)
		return err
	})
	if err != nil {
		logger.CtxError(ctx, "Failed to record clip %s as %s: %v", clip.ID, status, err)
		return false, fmt.Errorf("record clip %s as %s: %w", clip.ID, status, err)
	}
	if !moved {
		return false, nil
	}

	clip.Status = status
	if msg != "" {
		clip.ErrorMessage = &msg
	}
	metrics.IncClipFinished(string(clip.Intent), string(status))
	if status == domain.ClipStatusFailed {
		logger.CtxError(ctx, "Clip failed: %s", msg)
	} else {
		logger.CtxInfo(ctx, "Clip completed")
	}

	if batchDone {
		logger.With(logger.Fields{
			logger.FieldBatchID: batch.ID,
			logger.FieldCount:   batch.Succeeded,
		}).Info(ctx, "Batch finished: %s", batch.Summary())
	}
	return true, nil
}

// release drops the stage lease of a delivery that returned without a terminal status.
func (p *Pipeline) release(ctx context.Context, clipID, lease string) {
	if err := p.store.Clips.Release(context.WithoutCancel(ctx), clipID, lease); err != nil {
		logger.CtxWarn(ctx, "Failed to release clip lease: %v", err)
	}
}

// inFlightClipStatuses are the statuses a clip may be failed from.
var inFlightClipStatuses = []domain.ClipStatus{
	domain.ClipStatusQueued,
	domain.ClipStatusClipping,
	domain.ClipStatusEditing,
	domain.ClipStatusExtractingAudio,
	domain.ClipStatusTranscribing,
	domain.ClipStatusGeneratingMetadata,
}

// publish uploads a completed clip to object storage. Failures only log.
func (p *Pipeline) publish(ctx context.Context, clip *domain.Clip) {
	if p.storage == nil || clip.FilePath == "" {
		return
	}
	key := storage.ClipKey(p.cfg.StoragePrefix, clip.JobID, clip.FilePath)
	if err := storage.PublishFile(ctx, p.storage, key, clip.FilePath); err != nil {
		logger.CtxWarn(ctx, "Failed to publish clip to object storage: %v", err)
		return
	}
	if err := p.store.Clips.UpdateFields(ctx, clip.ID, map[string]interface{}{"artifact_key": key}); err != nil {
		logger.CtxWarn(ctx, "Failed to record artifact key %s: %v", key, err)
		return
	}
	clip.ArtifactKey = key
	logger.CtxInfo(ctx, "Published clip as %s", key)
}

// removeAudio deletes the scratch audio file of a delivery.
func (p *Pipeline) removeAudio(ctx context.Context, r *clipRun) {
	if r.audioPath == "" {
		return
	}
	if err := os.Remove(r.audioPath); err != nil && !os.IsNotExist(err) {
		logger.CtxWarn(ctx, "Failed to remove %s: %v", r.audioPath, err)
		return
	}
	if err := p.store.Clips.UpdateFields(ctx, r.clip.ID, map[string]interface{}{"audio_path": ""}); err != nil {
		logger.CtxWarn(ctx, "Failed to clear audio path: %v", err)
	}
}

// Fail marks an in-flight clip Failed through the normal terminal path,
// including its batch count, regardless of any stage lease. It reports
// whether the clip was still in flight.
func (p *Pipeline) Fail(ctx context.Context, clip *domain.Clip, msg string) (bool, error) {
	ctx = logger.SetClipID(logger.SetJobID(ctx, clip.JobID), clip.ID)
	return p.finish(ctx, clip, "", domain.ClipStatusFailed, msg)
}
