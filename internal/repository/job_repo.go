package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles video job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job, assigning an ID when empty.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.VideoJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Create(job).Error
	})
}

// GetByID retrieves a job by ID. Missing jobs yield domain.ErrNotFound.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.VideoJob: job record if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.VideoJob, error) {
	var job domain.VideoJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs newest first with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: only jobs in this status; empty lists every job.
//   - limit: maximum number of jobs to return.
//   - offset: number of jobs to skip.
// Returns:
//   - []domain.VideoJob: jobs in the requested window.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.VideoJob, error) {
	var jobs []domain.VideoJob
	err := r.filtered(ctx, status).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	return jobs, err
}

// Count returns the number of jobs in status, or of all jobs when status is empty.
func (r *JobRepository) Count(ctx context.Context, status domain.JobStatus) (int64, error) {
	var count int64
	err := r.filtered(ctx, status).Count(&count).Error
	return count, err
}

func (r *JobRepository) filtered(ctx context.Context, status domain.JobStatus) *gorm.DB {
	db := r.db.WithContext(ctx).Model(&domain.VideoJob{})
	if status != "" {
		db = db.Where("status = ?", string(status))
	}
	return db
}

// Transition conditionally moves a job between statuses. See Transition.
func (r *JobRepository) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, updates map[string]interface{}) (bool, error) {
	return Transition(ctx, r.db, &domain.VideoJob{}, id, statusStrings(from...), string(to), updates)
}

// SetStepLabel updates the human readable progress label without touching status.
func (r *JobRepository) SetStepLabel(ctx context.Context, id, label string) error {
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Model(&domain.VideoJob{}).
			Where("id = ?", id).
			Update("step_label", label).Error
	})
}
