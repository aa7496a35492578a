package domain

import (
	"fmt"
	"time"
)

// BatchStatus is the fan-in state of a clip batch.
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "Running"
	BatchStatusCompleted BatchStatus = "Completed"
)

// ClipBatch is the counted-join record of one batch dispatch. Remaining is decremented
// once per child clip reaching a terminal state; the decrement that reaches zero completes it.
type ClipBatch struct {
	ID         string      `gorm:"type:text;primaryKey" json:"id"`
	JobID      string      `gorm:"type:text;not null;index:idx_clip_batches_job" json:"job_id"`
	Intent     ClipIntent  `gorm:"type:text;not null" json:"intent"`
	Timestamps Float64s    `gorm:"type:text" json:"timestamps"`
	Expected   int         `gorm:"not null" json:"expected"`
	Remaining  int         `gorm:"not null" json:"remaining"`
	Succeeded  int         `gorm:"not null;default:0" json:"succeeded"`
	Failed     int         `gorm:"not null;default:0" json:"failed"`
	Warnings   StringArray `gorm:"type:text" json:"warnings"`
	Status     BatchStatus `gorm:"type:text;not null;default:Running" json:"status"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TableName returns the database table name for ClipBatch.
func (ClipBatch) TableName() string {
	return "clip_batches"
}

// Summary renders the partial-success rollup of the batch.
func (b *ClipBatch) Summary() string {
	return fmt.Sprintf("%d of %d clips completed", b.Succeeded, b.Expected)
}
