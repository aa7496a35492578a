package service

import (
	"fmt"

	"github.com/timmy/clipforge/internal/domain"
)

// Status classes for presentation.
const (
	StatusClassError      = "error"
	StatusClassRunning    = "running"
	StatusClassProcessing = "processing"
	StatusClassComplete   = "complete"
	StatusClassPending    = "pending"
)

// JobView is the externally visible status of a job.
type JobView struct {
	Status      string `json:"status"`
	StatusClass string `json:"status_class"`
	StepLabel   string `json:"step_label"`
}

// DeriveJobStatus computes the visible status of a job from its own record,
// its latest download run and the statuses of its clips. It has no side
// effects and accepts nil or empty inputs.
//
// Rules, first match wins: a job in Error; a Running download; any clip in
// flight (labelled with the furthest stage reached); a Ready job; Pending.
func DeriveJobStatus(job *domain.VideoJob, latestRun *domain.AgentRun, clips []domain.ClipStatus) JobView {
	if job == nil {
		return JobView{Status: string(domain.JobStatusPending), StatusClass: StatusClassPending}
	}

	if job.Status == domain.JobStatusError {
		msg := job.ErrorText()
		if msg == "" {
			msg = "Unknown error"
		}
		return JobView{Status: string(domain.JobStatusError), StatusClass: StatusClassError, StepLabel: msg}
	}

	if latestRun != nil && latestRun.AgentType == domain.AgentTypeDownload && latestRun.Status == domain.AgentRunRunning {
		label := job.StepLabel
		if label == "" {
			label = stepDownloading
		}
		return JobView{Status: string(domain.JobStatusDownloading), StatusClass: StatusClassRunning, StepLabel: label}
	}

	inFlight := 0
	furthest := domain.ClipStatus("")
	completed := 0
	for _, st := range clips {
		if st == domain.ClipStatusCompleted {
			completed++
		}
		if !st.InFlight() {
			continue
		}
		inFlight++
		if furthest == "" || st.Rank() > furthest.Rank() {
			furthest = st
		}
	}
	if inFlight > 0 {
		return JobView{
			Status:      "Processing Clips",
			StatusClass: StatusClassProcessing,
			StepLabel:   fmt.Sprintf("%d clip(s) in flight, furthest stage: %s", inFlight, furthest.Label()),
		}
	}

	if job.Status == domain.JobStatusReady {
		label := stepReady
		if len(clips) > 0 {
			label = fmt.Sprintf("%d of %d clips completed", completed, len(clips))
		}
		return JobView{Status: string(domain.JobStatusReady), StatusClass: StatusClassComplete, StepLabel: label}
	}

	return JobView{Status: string(domain.JobStatusPending), StatusClass: StatusClassPending, StepLabel: job.StepLabel}
}
