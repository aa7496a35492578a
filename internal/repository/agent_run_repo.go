package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"gorm.io/gorm"
)

// AgentRunRepository handles agent run persistence.
type AgentRunRepository struct {
	db *gorm.DB
}

// NewAgentRunRepository creates a new AgentRunRepository.
func NewAgentRunRepository(db *gorm.DB) *AgentRunRepository {
	return &AgentRunRepository{db: db}
}

// Create inserts a run record. A second active run for the same job and agent
// type violates idx_agent_runs_active and is reported as a ConflictError.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - run: run record to persist; ID is assigned when empty.
// Returns:
//   - error: ConflictError on a duplicate active run, other errors on failure.
func (r *AgentRunRepository) Create(ctx context.Context, run *domain.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = domain.AgentRunPending
	}
	err := retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Create(run).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.NewConflictError("%s agent already active for job %s", run.AgentType, run.JobID)
	}
	return err
}

// GetByID retrieves a run by ID.
func (r *AgentRunRepository) GetByID(ctx context.Context, id string) (*domain.AgentRun, error) {
	var run domain.AgentRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent run %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &run, nil
}

// Active returns the Pending or Running run of agentType for the job, or nil when there is none.
func (r *AgentRunRepository) Active(ctx context.Context, jobID string, agentType domain.AgentType) (*domain.AgentRun, error) {
	var runs []domain.AgentRun
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND agent_type = ? AND status IN ?", jobID, agentType,
			statusStrings(domain.AgentRunPending, domain.AgentRunRunning)).
		Limit(1).
		Find(&runs).Error
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// Latest returns the most recently created run of agentType for the job, or nil.
func (r *AgentRunRepository) Latest(ctx context.Context, jobID string, agentType domain.AgentType) (*domain.AgentRun, error) {
	var runs []domain.AgentRun
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND agent_type = ?", jobID, agentType).
		Order("created_at DESC").
		Limit(1).
		Find(&runs).Error
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// LatestByJobs returns the latest run of agentType for each of the given jobs, keyed by job ID.
func (r *AgentRunRepository) LatestByJobs(ctx context.Context, jobIDs []string, agentType domain.AgentType) (map[string]*domain.AgentRun, error) {
	out := make(map[string]*domain.AgentRun, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	var runs []domain.AgentRun
	err := r.db.WithContext(ctx).
		Where("job_id IN ? AND agent_type = ?", jobIDs, agentType).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	for i := range runs {
		out[runs[i].JobID] = &runs[i]
	}
	return out, nil
}

// ListByJob returns all runs for a job, newest first.
func (r *AgentRunRepository) ListByJob(ctx context.Context, jobID string) ([]domain.AgentRun, error) {
	var runs []domain.AgentRun
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Find(&runs).Error
	return runs, err
}

// Stale returns Pending and Running runs whose last update is older than
// cutoff. A Pending run that old lost its task before any worker started it.
func (r *AgentRunRepository) Stale(ctx context.Context, cutoff time.Time) ([]domain.AgentRun, error) {
	var runs []domain.AgentRun
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(domain.AgentRunPending, domain.AgentRunRunning), cutoff).
		Find(&runs).Error
	return runs, err
}

// Transition conditionally moves a run between statuses. See Transition.
func (r *AgentRunRepository) Transition(ctx context.Context, id string, from []domain.AgentRunStatus, to domain.AgentRunStatus, updates map[string]interface{}) (bool, error) {
	return Transition(ctx, r.db, &domain.AgentRun{}, id, statusStrings(from...), string(to), updates)
}
