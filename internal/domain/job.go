package domain

import (
	"strings"
	"time"
)

// JobStatus represents the acquisition status of a video job.
// Values include JobStatusPending, JobStatusDownloading, JobStatusReady, and JobStatusError.
type JobStatus string

const (
	JobStatusPending     JobStatus = "Pending"
	JobStatusDownloading JobStatus = "Downloading"
	JobStatusReady       JobStatus = "Ready"
	JobStatusError       JobStatus = "Error"
)

// ParseJobStatus matches s case-insensitively against the known statuses.
func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range []JobStatus{JobStatusPending, JobStatusDownloading, JobStatusReady, JobStatusError} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no automatic transition leaves the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusReady || s == JobStatusError
}

// DefaultResolution is used when a submission names no resolution.
const DefaultResolution = "480p"

// AllowedResolutions lists the download resolutions accepted on submission.
var AllowedResolutions = []string{"360p", "480p", "720p", "1080p", "best"}

// IsAllowedResolution reports whether r is one of AllowedResolutions.
func IsAllowedResolution(r string) bool {
	for _, allowed := range AllowedResolutions {
		if r == allowed {
			return true
		}
	}
	return false
}

// VideoJob represents one submitted source-acquisition unit and its derived clips.
type VideoJob struct {
	ID              string      `gorm:"type:text;primaryKey" json:"id"`
	SourceURL       string      `gorm:"type:text;not null" json:"source_url"`
	Title           string      `gorm:"type:text" json:"title"`
	Resolution      string      `gorm:"type:text;not null" json:"resolution"`
	Status          JobStatus   `gorm:"type:text;index:idx_video_jobs_status;not null;default:Pending" json:"status"`
	StepLabel       string      `gorm:"type:text" json:"step_label"`
	ErrorMessage    *string     `gorm:"type:text" json:"error_message,omitempty"`
	FilePath        string      `gorm:"type:text" json:"file_path,omitempty"`
	DurationSeconds float64     `gorm:"default:0" json:"duration_seconds"`
	Clips           []Clip      `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	AgentRuns       []AgentRun  `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	Batches         []ClipBatch `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TableName returns the database table name for VideoJob.
func (VideoJob) TableName() string {
	return "video_jobs"
}

// ErrorText returns the stored error message or an empty string.
func (j *VideoJob) ErrorText() string {
	if j == nil || j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}
