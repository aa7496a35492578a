package domain

import "time"

// AgentType tags the external action an AgentRun executes.
type AgentType string

const (
	AgentTypeDownload AgentType = "download"
)

// AgentRunStatus represents the lifecycle of one agent invocation.
type AgentRunStatus string

const (
	AgentRunPending AgentRunStatus = "Pending"
	AgentRunRunning AgentRunStatus = "Running"
	AgentRunSuccess AgentRunStatus = "Success"
	AgentRunFailed  AgentRunStatus = "Failed"
)

// IsFinal reports whether the run can no longer be mutated.
func (s AgentRunStatus) IsFinal() bool {
	return s == AgentRunSuccess || s == AgentRunFailed
}

// AgentRun records one execution of an agent against a job (or clip).
// Once Success or Failed the record is never mutated again.
type AgentRun struct {
	ID            string         `gorm:"type:text;primaryKey" json:"id"`
	JobID         string         `gorm:"type:text;not null;index:idx_agent_runs_job" json:"job_id"`
	AgentType     AgentType      `gorm:"type:text;not null" json:"agent_type"`
	TargetID      *string        `gorm:"type:text" json:"target_id,omitempty"`
	Status        AgentRunStatus `gorm:"type:text;not null;default:Pending" json:"status"`
	Params        JSONMap        `gorm:"type:text" json:"params,omitempty"`
	ResultSummary *string        `gorm:"type:text" json:"result_summary,omitempty"`
	ErrorMessage  *string        `gorm:"type:text" json:"error_message,omitempty"`
	Attempt       int            `gorm:"default:0" json:"attempt"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `gorm:"index:idx_agent_runs_job" json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName returns the database table name for AgentRun.
func (AgentRun) TableName() string {
	return "agent_runs"
}
