package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/clipforge/internal/domain"
	"gorm.io/gorm"
)

// Store bundles the per-entity repositories over one database handle.
type Store struct {
	db      *gorm.DB
	Jobs    *JobRepository
	Runs    *AgentRunRepository
	Clips   *ClipRepository
	Batches *BatchRepository
}

// NewStore creates a Store bound to db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:      db,
		Jobs:    NewJobRepository(db),
		Runs:    NewAgentRunRepository(db),
		Clips:   NewClipRepository(db),
		Batches: NewBatchRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a Store bound to a single transaction. Every
// write made through the tx Store commits or rolls back together. Inside fn,
// use only the tx Store: on a single-connection sqlite pool the outer handle
// would block on the transaction's own connection.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fn: unit of work; a returned error rolls back.
// Returns:
//   - error: fn's error or the commit error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return retryOnBusy(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(NewStore(tx))
		})
	})
}

// Artifacts lists the files and object keys left behind by a deleted job.
type Artifacts struct {
	Paths []string `json:"paths"`
	Keys  []string `json:"keys"`
}

// Empty reports whether nothing needs cleaning up.
func (a Artifacts) Empty() bool {
	return len(a.Paths) == 0 && len(a.Keys) == 0
}

// DeleteJob removes a job and all of its dependent rows in one transaction and
// returns the artifacts that referenced it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to delete.
// Returns:
//   - Artifacts: file paths and storage keys to clean up after commit.
//   - error: domain.ErrNotFound if the job does not exist, other errors roll back.
func (s *Store) DeleteJob(ctx context.Context, jobID string) (Artifacts, error) {
	var artifacts Artifacts
	err := s.Transaction(ctx, func(tx *Store) error {
		artifacts = Artifacts{}
		job, err := tx.Jobs.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.FilePath != "" {
			artifacts.Paths = append(artifacts.Paths, job.FilePath)
		}

		var clips []domain.Clip
		if err := tx.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&clips).Error; err != nil {
			return fmt.Errorf("list clips: %w", err)
		}
		clipIDs := make([]string, 0, len(clips))
		for _, c := range clips {
			clipIDs = append(clipIDs, c.ID)
			for _, p := range []string{c.FilePath, c.AudioPath} {
				if p != "" {
					artifacts.Paths = append(artifacts.Paths, p)
				}
			}
			if c.ArtifactKey != "" {
				artifacts.Keys = append(artifacts.Keys, c.ArtifactKey)
			}
		}

		db := tx.db.WithContext(ctx)
		if len(clipIDs) > 0 {
			if err := db.Where("clip_id IN ?", clipIDs).Delete(&domain.ClipTranscript{}).Error; err != nil {
				return fmt.Errorf("delete transcripts: %w", err)
			}
			if err := db.Where("clip_id IN ?", clipIDs).Delete(&domain.ClipMetadata{}).Error; err != nil {
				return fmt.Errorf("delete metadata: %w", err)
			}
		}
		steps := []struct {
			name  string
			model interface{}
		}{
			{"clips", &domain.Clip{}},
			{"batches", &domain.ClipBatch{}},
			{"agent runs", &domain.AgentRun{}},
		}
		for _, step := range steps {
			if err := db.Where("job_id = ?", jobID).Delete(step.model).Error; err != nil {
				return fmt.Errorf("delete %s: %w", step.name, err)
			}
		}
		res := db.Where("id = ?", jobID).Delete(&domain.VideoJob{})
		if res.Error != nil {
			return fmt.Errorf("delete job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Artifacts{}, err
	}
	return artifacts, nil
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
