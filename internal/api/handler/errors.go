package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
)

// statusFor maps an error classification to an HTTP status code.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Server errors are logged
// with the request context.
func respondError(c *gin.Context, action string, err error) {
	respondErrorWith(c, action, err, nil)
}

// respondErrorWith is respondError with extra fields added to the body.
func respondErrorWith(c *gin.Context, action string, err error, extra gin.H) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "%s failed: %v", action, err)
	}
	body := gin.H{
		"error": action + " failed: " + err.Error(),
		"kind":  string(domain.KindOf(err)),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code, body)
}

// badRequest writes a 400 for a request that could not be bound.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "Invalid request: " + err.Error(),
		"kind":  string(domain.KindValidation),
	})
}
