package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClipRepository handles clips and their transcript and metadata records.
type ClipRepository struct {
	db *gorm.DB
}

// NewClipRepository creates a new ClipRepository.
func NewClipRepository(db *gorm.DB) *ClipRepository {
	return &ClipRepository{db: db}
}

// Create inserts clips in one statement, assigning IDs where empty.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - clips: clip records to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ClipRepository) Create(ctx context.Context, clips ...*domain.Clip) error {
	if len(clips) == 0 {
		return nil
	}
	for _, c := range clips {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = domain.ClipStatusQueued
		}
	}
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).CreateInBatches(clips, 100).Error
	})
}

// GetByID retrieves a clip with its transcript and metadata.
func (r *ClipRepository) GetByID(ctx context.Context, id string) (*domain.Clip, error) {
	var clip domain.Clip
	err := r.db.WithContext(ctx).
		Preload("Transcript").
		Preload("Metadata").
		First(&clip, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("clip %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &clip, nil
}

// ListByJob returns the clips of a job ordered by start time, with transcript and metadata.
func (r *ClipRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Clip, error) {
	var clips []domain.Clip
	err := r.db.WithContext(ctx).
		Preload("Transcript").
		Preload("Metadata").
		Where("job_id = ?", jobID).
		Order("start_time ASC, created_at ASC").
		Find(&clips).Error
	return clips, err
}

// ListStatusesByJob returns only the statuses of a job's clips, for status derivation.
func (r *ClipRepository) ListStatusesByJob(ctx context.Context, jobIDs []string) (map[string][]domain.ClipStatus, error) {
	out := make(map[string][]domain.ClipStatus, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		JobID  string
		Status domain.ClipStatus
	}
	err := r.db.WithContext(ctx).Model(&domain.Clip{}).
		Select("job_id", "status").
		Where("job_id IN ?", jobIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.JobID] = append(out[row.JobID], row.Status)
	}
	return out, nil
}

// Stale returns clips inside a processing stage whose last update is older than cutoff.
func (r *ClipRepository) Stale(ctx context.Context, cutoff time.Time) ([]domain.Clip, error) {
	var clips []domain.Clip
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(
			domain.ClipStatusClipping,
			domain.ClipStatusEditing,
			domain.ClipStatusExtractingAudio,
			domain.ClipStatusTranscribing,
			domain.ClipStatusGeneratingMetadata,
		), cutoff).
		Find(&clips).Error
	return clips, err
}

// Transition conditionally moves a clip between statuses. See Transition.
func (r *ClipRepository) Transition(ctx context.Context, id string, from []domain.ClipStatus, to domain.ClipStatus, updates map[string]interface{}) (bool, error) {
	return Transition(ctx, r.db, &domain.Clip{}, id, statusStrings(from...), string(to), updates)
}

// Claim takes the processing lease of a clip that is still in status. A lease
// held by another token is only taken over once it has expired.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: clip to claim.
//   - status: status the caller loaded; the claim fails if the clip moved on.
//   - token: unique token of the claiming delivery.
//   - until: lease expiry.
// Returns:
//   - bool: true if the caller now holds the lease.
//   - error: non-nil if the update fails.
func (r *ClipRepository) Claim(ctx context.Context, id string, status domain.ClipStatus, token string, until time.Time) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, func() error {
		now := time.Now()
		res := r.db.WithContext(ctx).Model(&domain.Clip{}).
			Where("id = ? AND status = ?", id, string(status)).
			Where("(lease_token IS NULL OR lease_until IS NULL OR lease_until < ?)", now).
			Updates(map[string]interface{}{"lease_token": token, "lease_until": until, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

// TransitionHeld is Transition restricted to the delivery holding token.
func (r *ClipRepository) TransitionHeld(ctx context.Context, id string, token string, from []domain.ClipStatus, to domain.ClipStatus, updates map[string]interface{}) (bool, error) {
	return Transition(ctx, r.db.Where("lease_token = ?", token), &domain.Clip{}, id, statusStrings(from...), string(to), updates)
}

// Release drops the lease if token still holds it.
func (r *ClipRepository) Release(ctx context.Context, id, token string) error {
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Model(&domain.Clip{}).
			Where("id = ? AND lease_token = ?", id, token).
			Updates(map[string]interface{}{"lease_token": nil, "lease_until": nil}).Error
	})
}

// UpdateFields writes the given columns without changing status.
func (r *ClipRepository) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Model(&domain.Clip{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}

// UpsertTranscript writes the clip's transcript, overwriting any previous one.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - t: transcript keyed by ClipID.
// Returns:
//   - error: non-nil if the write fails.
func (r *ClipRepository) UpsertTranscript(ctx context.Context, t *domain.ClipTranscript) error {
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "clip_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"segments", "status", "error_message", "updated_at"}),
		}).Create(t).Error
	})
}

// UpsertMetadata writes the clip's generated metadata, overwriting any previous one.
func (r *ClipRepository) UpsertMetadata(ctx context.Context, m *domain.ClipMetadata) error {
	return retryOnBusy(ctx, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "clip_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "description", "keywords", "model", "status", "error_message", "updated_at",
			}),
		}).Create(m).Error
	})
}

// GetTranscript returns the stored transcript of a clip, or nil when none exists.
func (r *ClipRepository) GetTranscript(ctx context.Context, clipID string) (*domain.ClipTranscript, error) {
	var ts []domain.ClipTranscript
	if err := r.db.WithContext(ctx).Where("clip_id = ?", clipID).Limit(1).Find(&ts).Error; err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, nil
	}
	return &ts[0], nil
}
