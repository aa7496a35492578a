package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/service"
)

// JobHandler handles video job endpoints.
type JobHandler struct {
	orchestrator *service.Orchestrator
	deleter      *service.Deleter
	queries      *service.QueryService
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - svc: wired services.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(svc *service.Services) *JobHandler {
	return &JobHandler{
		orchestrator: svc.Orchestrator,
		deleter:      svc.Deleter,
		queries:      svc.Queries,
	}
}

// SubmitRequest is the body of POST /api/v1/jobs.
type SubmitRequest struct {
	URL        string `json:"url" binding:"required"`
	Resolution string `json:"resolution"`
}

// ReprocessRequest is the optional body of POST /api/v1/jobs/:id/reprocess.
type ReprocessRequest struct {
	SkipIfFileExists bool `json:"skip_if_file_exists"`
}

// ListJobsResponse is a page of jobs.
type ListJobsResponse struct {
	Jobs   []service.JobDetail `json:"jobs"`
	Status string              `json:"status,omitempty"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// Submit handles POST /api/v1/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	jobID, err := h.orchestrator.Submit(c.Request.Context(), req.URL, req.Resolution)
	if err != nil {
		// The job may exist already, now in Error; let the client find it.
		if jobID != "" {
			respondErrorWith(c, "Submit", err, gin.H{"job_id": jobID})
			return
		}
		respondError(c, "Submit", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// List handles GET /api/v1/jobs. An optional status query parameter keeps
// only jobs in that status, e.g. ?status=Error.
func (h *JobHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := c.Query("status")

	jobs, total, err := h.queries.ListJobs(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, "List jobs", err)
		return
	}
	if jobs == nil {
		jobs = []service.JobDetail{}
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: jobs, Status: status, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	detail, err := h.queries.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Get job", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Reprocess handles POST /api/v1/jobs/:id/reprocess. An empty body forces a
// fresh download.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Reprocess(c *gin.Context) {
	var req ReprocessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if skip := c.Query("skip_if_file_exists"); skip != "" {
		req.SkipIfFileExists, _ = strconv.ParseBool(skip)
	}

	ctx := logger.SetJobID(c.Request.Context(), c.Param("id"))
	runID, err := h.orchestrator.Reprocess(ctx, c.Param("id"), req.SkipIfFileExists)
	if err != nil {
		respondError(c, "Reprocess", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": c.Param("id"), "run_id": runID})
}

// Delete handles DELETE /api/v1/jobs/:id.
func (h *JobHandler) Delete(c *gin.Context) {
	if err := h.deleter.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Delete job", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Runs handles GET /api/v1/jobs/:id/runs.
func (h *JobHandler) Runs(c *gin.Context) {
	runs, err := h.queries.ListAgentRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "List agent runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
