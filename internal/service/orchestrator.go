package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/tools"
)

// Step labels written on the job.
const (
	stepQueued         = "Queued for download"
	stepDownloading    = "Downloading"
	stepReady          = "Ready for clipping"
	stepDownloadFailed = "Download failed"
)

const (
	skippedFilePresent = "skipped, file present"

	paramSkipIfExists = "skip_if_exists"
	paramReprocess    = "reprocess"
)

// Orchestrator owns the lifecycle of a video job.
type Orchestrator struct {
	store      *repository.Store
	runner     *AgentRunner
	downloader tools.Downloader
}

// NewOrchestrator creates an Orchestrator and registers the download agent on runner.
func NewOrchestrator(store *repository.Store, runner *AgentRunner, downloader tools.Downloader) *Orchestrator {
	o := &Orchestrator{store: store, runner: runner, downloader: downloader}
	runner.Register(domain.AgentTypeDownload, AgentSpec{
		OnStart:   o.onDownloadStarted,
		Execute:   o.download,
		OnSuccess: o.onDownloadSucceeded,
		OnFailure: o.onDownloadFailed,
	})
	return o
}

// Submit validates a submission, creates the job and dispatches its download.
// It returns as soon as the download is queued.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sourceURL: http(s) URL of the source video.
//   - resolution: one of domain.AllowedResolutions; empty selects the default.
// Returns:
//   - string: ID of the new job.
//   - error: ValidationError for bad input, otherwise store or queue errors.
func (o *Orchestrator) Submit(ctx context.Context, sourceURL, resolution string) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := validateSourceURL(sourceURL); err != nil {
		return "", err
	}
	if resolution == "" {
		resolution = domain.DefaultResolution
	}
	if !domain.IsAllowedResolution(resolution) {
		return "", domain.NewValidationError("resolution", "must be one of %s", strings.Join(domain.AllowedResolutions, ", "))
	}

	job := &domain.VideoJob{
		ID:         uuid.NewString(),
		SourceURL:  sourceURL,
		Resolution: resolution,
		Status:     domain.JobStatusPending,
		StepLabel:  stepQueued,
	}
	if err := o.store.Jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	ctx = logger.SetJobID(ctx, job.ID)
	metrics.IncJobSubmitted()

	if _, err := o.runner.Dispatch(ctx, domain.AgentTypeDownload, job.ID, nil, nil); err != nil {
		o.markError(ctx, job.ID, []domain.JobStatus{domain.JobStatusPending}, err.Error())
		return job.ID, err
	}
	logger.CtxInfo(ctx, "Submitted job for %s at %s", sourceURL, resolution)
	return job.ID, nil
}

// Reprocess re-acquires the source of a job. With skipIfFileExists and a
// non-empty file already on disk, the job goes straight to Ready and a
// Success run is recorded; otherwise the job re-enters Downloading and a new
// download is dispatched. Every call records exactly one new agent run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to reprocess.
//   - skipIfFileExists: reuse the downloaded file when it is present.
// Returns:
//   - string: ID of the new agent run.
//   - error: NotFound, ConflictError while a download is active, or store/queue errors.
func (o *Orchestrator) Reprocess(ctx context.Context, jobID string, skipIfFileExists bool) (string, error) {
	ctx = logger.SetJobID(ctx, jobID)
	job, err := o.store.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}

	active, err := o.store.Runs.Active(ctx, jobID, domain.AgentTypeDownload)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", domain.NewConflictError("download for job %s is already %s", jobID, strings.ToLower(string(active.Status)))
	}

	if skipIfFileExists && fileHasContent(job.FilePath) {
		return o.reuseDownload(ctx, job)
	}

	allStatuses := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusDownloading, domain.JobStatusReady, domain.JobStatusError}
	if _, err := o.store.Jobs.Transition(ctx, jobID, allStatuses, domain.JobStatusDownloading,
		map[string]interface{}{"step_label": stepQueued, "error_message": nil}); err != nil {
		return "", fmt.Errorf("reset job: %w", err)
	}

	params := domain.JSONMap{paramReprocess: "true"}
	if skipIfFileExists {
		params[paramSkipIfExists] = "true"
	}
	runID, err := o.runner.Dispatch(ctx, domain.AgentTypeDownload, jobID, nil, params)
	if err != nil {
		if domain.KindOf(err) != domain.KindConflict {
			o.markError(ctx, jobID, []domain.JobStatus{domain.JobStatusDownloading}, err.Error())
		}
		return "", err
	}
	logger.CtxInfo(ctx, "Reprocessing job")
	return runID, nil
}

// reuseDownload records a Success run for an already present file and marks the job Ready.
func (o *Orchestrator) reuseDownload(ctx context.Context, job *domain.VideoJob) (string, error) {
	now := time.Now()
	summary := skippedFilePresent
	run := &domain.AgentRun{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		AgentType:     domain.AgentTypeDownload,
		Status:        domain.AgentRunSuccess,
		Params:        domain.JSONMap{paramSkipIfExists: "true", paramReprocess: "true"},
		ResultSummary: &summary,
		Attempt:       1,
		StartedAt:     &now,
		FinishedAt:    &now,
	}

	err := o.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Runs.Create(ctx, run); err != nil {
			return err
		}
		_, err := tx.Jobs.Transition(ctx, job.ID,
			[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusDownloading, domain.JobStatusReady, domain.JobStatusError},
			domain.JobStatusReady,
			map[string]interface{}{"step_label": stepReady, "error_message": nil})
		return err
	})
	if err != nil {
		return "", err
	}
	metrics.IncAgentRun(string(domain.AgentTypeDownload), string(domain.AgentRunSuccess))
	logger.CtxInfo(ctx, "Source file already present at %s, job is Ready", job.FilePath)
	return run.ID, nil
}

func (o *Orchestrator) onDownloadStarted(ctx context.Context, run *domain.AgentRun) error {
	_, err := o.store.Jobs.Transition(ctx, run.JobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusDownloading},
		domain.JobStatusDownloading,
		map[string]interface{}{"step_label": stepDownloading, "error_message": nil})
	if err != nil {
		return domain.NewToolError("store", "mark job downloading", err)
	}
	return nil
}

func (o *Orchestrator) download(ctx context.Context, run *domain.AgentRun) (*AgentResult, error) {
	job, err := o.store.Jobs.GetByID(ctx, run.JobID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.NewValidationError("job_id", "job %s was deleted", run.JobID)
		}
		return nil, domain.NewToolError("store", "load job", err)
	}

	skip, _ := strconv.ParseBool(run.Params[paramSkipIfExists])
	res, err := o.downloader.Download(ctx, tools.DownloadRequest{
		JobID:        job.ID,
		URL:          job.SourceURL,
		Resolution:   job.Resolution,
		SkipIfExists: skip,
	})
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("downloaded %s (%.1fs)", res.FilePath, res.DurationSeconds)
	if res.Skipped {
		summary = skippedFilePresent
	}
	return &AgentResult{Summary: summary, Data: res}, nil
}

// onDownloadSucceeded moves the job to Ready with the acquired file.
func (o *Orchestrator) onDownloadSucceeded(ctx context.Context, run *domain.AgentRun, result *AgentResult) error {
	res, ok := result.Data.(*tools.DownloadResult)
	if !ok || res == nil {
		return fmt.Errorf("download agent returned %T", result.Data)
	}
	updates := map[string]interface{}{
		"file_path":        res.FilePath,
		"duration_seconds": res.DurationSeconds,
		"step_label":       stepReady,
		"error_message":    nil,
	}
	if res.Title != "" {
		updates["title"] = res.Title
	}
	moved, err := o.store.Jobs.Transition(ctx, run.JobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusDownloading},
		domain.JobStatusReady, updates)
	if err != nil {
		return err
	}
	if !moved {
		logger.CtxWarn(ctx, "Job left Downloading before the download finished")
	}
	return nil
}

// onDownloadFailed moves the job to Error with the run's message.
func (o *Orchestrator) onDownloadFailed(ctx context.Context, run *domain.AgentRun, cause error) error {
	o.markError(ctx, run.JobID, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusDownloading}, cause.Error())
	return nil
}

func (o *Orchestrator) markError(ctx context.Context, jobID string, from []domain.JobStatus, msg string) {
	if msg == "" {
		msg = "Unknown error"
	}
	if _, err := o.store.Jobs.Transition(ctx, jobID, from, domain.JobStatusError,
		map[string]interface{}{"error_message": msg, "step_label": stepDownloadFailed}); err != nil {
		logger.CtxError(ctx, "Failed to mark job %s as Error: %v", jobID, err)
	}
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return domain.NewValidationError("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.NewValidationError("url", "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.NewValidationError("url", "must use http or https")
	}
	if u.Host == "" {
		return domain.NewValidationError("url", "has no host")
	}
	return nil
}
