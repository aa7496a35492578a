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

// BatchRepository handles clip batch persistence and the fan-in counter.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a batch, assigning an ID when empty.
func (r *BatchRepository) Create(ctx context.Context, batch *domain.ClipBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = domain.BatchStatusRunning
	}
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Create(batch).Error
	})
}

// GetByID retrieves a batch by ID.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.ClipBatch, error) {
	var batch domain.ClipBatch
	if err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &batch, nil
}

// ListByJob returns the batches of a job, newest first.
func (r *BatchRepository) ListByJob(ctx context.Context, jobID string) ([]domain.ClipBatch, error) {
	var batches []domain.ClipBatch
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Find(&batches).Error
	return batches, err
}

// LatestCompleted returns the newest Completed batch of a job, or nil.
func (r *BatchRepository) LatestCompleted(ctx context.Context, jobID string) (*domain.ClipBatch, error) {
	var batches []domain.ClipBatch
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, domain.BatchStatusCompleted).
		Order("finished_at DESC").
		Limit(1).
		Find(&batches).Error
	if err != nil || len(batches) == 0 {
		return nil, err
	}
	return &batches[0], nil
}

// RecordChildResult decrements the batch's remaining counter for one child clip
// that reached a terminal state. The decrement is guarded by remaining > 0, so
// the counter never goes negative. Must run in the same transaction as the
// clip's terminal transition.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch to update.
//   - succeeded: whether the child clip Completed.
// Returns:
//   - *domain.ClipBatch: the batch after the update.
//   - bool: true if this call completed the batch.
//   - error: non-nil if the update fails.
func (r *BatchRepository) RecordChildResult(ctx context.Context, batchID string, succeeded bool) (*domain.ClipBatch, bool, error) {
	counter := "failed"
	if succeeded {
		counter = "succeeded"
	}

	err := retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Model(&domain.ClipBatch{}).
			Where("id = ? AND remaining > 0", batchID).
			Updates(map[string]interface{}{
				"remaining": gorm.Expr("remaining - 1"),
				counter:     gorm.Expr(counter + " + 1"),
			}).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("decrement batch %s: %w", batchID, err)
	}

	batch, err := r.GetByID(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	if batch.Remaining > 0 || batch.Status == domain.BatchStatusCompleted {
		return batch, false, nil
	}

	now := time.Now()
	finished, err := Transition(ctx, r.db, &domain.ClipBatch{}, batchID,
		statusStrings(domain.BatchStatusRunning), string(domain.BatchStatusCompleted),
		map[string]interface{}{"finished_at": now})
	if err != nil {
		return nil, false, fmt.Errorf("complete batch %s: %w", batchID, err)
	}
	if finished {
		batch.Status = domain.BatchStatusCompleted
		batch.FinishedAt = &now
	}
	return batch, finished, nil
}

// Complete marks an empty batch Completed immediately.
func (r *BatchRepository) Complete(ctx context.Context, batchID string) (bool, error) {
	return Transition(ctx, r.db, &domain.ClipBatch{}, batchID,
		statusStrings(domain.BatchStatusRunning), string(domain.BatchStatusCompleted),
		map[string]interface{}{"finished_at": time.Now()})
}
