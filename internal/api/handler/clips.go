package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/service"
)

// ClipHandler handles clip and batch endpoints.
type ClipHandler struct {
	batches  *service.BatchDispatcher
	pipeline *service.Pipeline
	queries  *service.QueryService
}

// NewClipHandler creates a new clip handler.
// Parameters:
//   - svc: wired services.
// Returns:
//   - *ClipHandler: initialized handler.
func NewClipHandler(svc *service.Services) *ClipHandler {
	return &ClipHandler{
		batches:  svc.Batches,
		pipeline: svc.Pipeline,
		queries:  svc.Queries,
	}
}

// BatchRequest is the body of POST /api/v1/jobs/:id/batches. Timestamps
// use HH:MM:SS, MM:SS or plain seconds.
type BatchRequest struct {
	Timestamps []string `json:"timestamps"`
	Intent     string   `json:"intent"`
}

// ClipRequest is the body of POST /api/v1/jobs/:id/clips.
type ClipRequest struct {
	Start  string `json:"start" binding:"required"`
	End    string `json:"end" binding:"required"`
	Intent string `json:"intent"`
}

// DispatchBatch handles POST /api/v1/jobs/:id/batches.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ClipHandler) DispatchBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	intent, ok := domain.ParseClipIntent(req.Intent)
	if !ok {
		respondError(c, "Dispatch batch", domain.NewValidationError("intent", "must be long or short"))
		return
	}

	timestamps := make([]float64, 0, len(req.Timestamps))
	for _, raw := range req.Timestamps {
		ts, err := service.ParseTimestamp(raw)
		if err != nil {
			respondError(c, "Dispatch batch", err)
			return
		}
		timestamps = append(timestamps, ts)
	}

	batch, err := h.batches.DispatchBatch(c.Request.Context(), c.Param("id"), timestamps, intent)
	if err != nil {
		respondError(c, "Dispatch batch", err)
		return
	}
	c.JSON(http.StatusAccepted, batch)
}

// CreateClip handles POST /api/v1/jobs/:id/clips.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ClipHandler) CreateClip(c *gin.Context) {
	var req ClipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	intent, ok := domain.ParseClipIntent(req.Intent)
	if !ok {
		respondError(c, "Create clip", domain.NewValidationError("intent", "must be long or short"))
		return
	}
	start, err := service.ParseTimestamp(req.Start)
	if err != nil {
		respondError(c, "Create clip", err)
		return
	}
	end, err := service.ParseTimestamp(req.End)
	if err != nil {
		respondError(c, "Create clip", err)
		return
	}

	clip, err := h.pipeline.ProcessSingleClip(c.Request.Context(), c.Param("id"), start, end, intent)
	if err != nil {
		respondError(c, "Create clip", err)
		return
	}
	c.JSON(http.StatusAccepted, clip)
}

// ListClips handles GET /api/v1/jobs/:id/clips.
func (h *ClipHandler) ListClips(c *gin.Context) {
	clips, err := h.queries.ListClips(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "List clips", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clips": clips})
}

// GetClip handles GET /api/v1/clips/:id.
func (h *ClipHandler) GetClip(c *gin.Context) {
	clip, err := h.queries.GetClip(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Get clip", err)
		return
	}
	c.JSON(http.StatusOK, clip)
}

// ListBatches handles GET /api/v1/jobs/:id/batches.
func (h *ClipHandler) ListBatches(c *gin.Context) {
	batches, err := h.queries.ListBatches(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "List batches", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

// GetBatch handles GET /api/v1/batches/:id.
func (h *ClipHandler) GetBatch(c *gin.Context) {
	batch, err := h.queries.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Get batch", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch, "summary": batch.Summary()})
}
