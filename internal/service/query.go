package service

import (
	"context"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/storage"
)

// JobDetail is a job together with its derived status.
type JobDetail struct {
	Job       *domain.VideoJob  `json:"job"`
	View      JobView           `json:"view"`
	LatestRun *domain.AgentRun  `json:"latest_run,omitempty"`
	LastBatch *domain.ClipBatch `json:"last_batch,omitempty"` // newest completed batch; GetJob only
}

// ClipView is a clip with its public artifact URL, when published.
type ClipView struct {
	domain.Clip
	URL string `json:"url,omitempty"`
}

// QueryService serves read-only projections of the store.
type QueryService struct {
	store   *repository.Store
	storage storage.ObjectStorage
}

// NewQueryService creates a QueryService. objectStorage may be nil.
func NewQueryService(store *repository.Store, objectStorage storage.ObjectStorage) *QueryService {
	return &QueryService{store: store, storage: objectStorage}
}

// GetJob returns a job with its derived status, latest download run and
// newest completed batch.
func (q *QueryService) GetJob(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := q.store.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	run, err := q.store.Runs.Latest(ctx, jobID, domain.AgentTypeDownload)
	if err != nil {
		return nil, err
	}
	statuses, err := q.store.Clips.ListStatusesByJob(ctx, []string{jobID})
	if err != nil {
		return nil, err
	}
	batch, err := q.store.Batches.LatestCompleted(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{
		Job:       job,
		View:      DeriveJobStatus(job, run, statuses[jobID]),
		LatestRun: run,
		LastBatch: batch,
	}, nil
}

// ListJobs returns a page of jobs, newest first, with their derived status
// and the total number of matching jobs. A non-empty status keeps only jobs
// stored in that status, e.g. "Error" for the failure log.
func (q *QueryService) ListJobs(ctx context.Context, status string, limit, offset int) ([]JobDetail, int64, error) {
	var filter domain.JobStatus
	if status != "" {
		st, ok := domain.ParseJobStatus(status)
		if !ok {
			return nil, 0, domain.NewValidationError("status", "unknown job status %q", status)
		}
		filter = st
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := q.store.Jobs.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := q.store.Jobs.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	runs, err := q.store.Runs.LatestByJobs(ctx, ids, domain.AgentTypeDownload)
	if err != nil {
		return nil, 0, err
	}
	statuses, err := q.store.Clips.ListStatusesByJob(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	details := make([]JobDetail, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		details[i] = JobDetail{
			Job:       job,
			View:      DeriveJobStatus(job, runs[job.ID], statuses[job.ID]),
			LatestRun: runs[job.ID],
		}
	}
	return details, total, nil
}

// ListClips returns the clips of a job with transcripts and metadata.
func (q *QueryService) ListClips(ctx context.Context, jobID string) ([]ClipView, error) {
	if _, err := q.store.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	clips, err := q.store.Clips.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	views := make([]ClipView, len(clips))
	for i, c := range clips {
		views[i] = q.clipView(c)
	}
	return views, nil
}

// GetClip returns one clip with its transcript and metadata.
func (q *QueryService) GetClip(ctx context.Context, clipID string) (*ClipView, error) {
	clip, err := q.store.Clips.GetByID(ctx, clipID)
	if err != nil {
		return nil, err
	}
	view := q.clipView(*clip)
	return &view, nil
}

func (q *QueryService) clipView(c domain.Clip) ClipView {
	view := ClipView{Clip: c}
	if q.storage != nil && c.ArtifactKey != "" {
		view.URL = q.storage.GetURL(c.ArtifactKey)
	}
	return view
}

// ListAgentRuns returns every agent run of a job.
func (q *QueryService) ListAgentRuns(ctx context.Context, jobID string) ([]domain.AgentRun, error) {
	if _, err := q.store.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return q.store.Runs.ListByJob(ctx, jobID)
}

// ListBatches returns the batches of a job, newest first.
func (q *QueryService) ListBatches(ctx context.Context, jobID string) ([]domain.ClipBatch, error) {
	if _, err := q.store.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return q.store.Batches.ListByJob(ctx, jobID)
}

// GetBatch returns one batch.
func (q *QueryService) GetBatch(ctx context.Context, batchID string) (*domain.ClipBatch, error) {
	return q.store.Batches.GetByID(ctx, batchID)
}
