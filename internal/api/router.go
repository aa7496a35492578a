package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/clipforge/internal/api/handler"
	"github.com/timmy/clipforge/internal/api/middleware"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc *service.Services, store *repository.Store, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(store)
	jobHandler := handler.NewJobHandler(svc)
	clipHandler := handler.NewClipHandler(svc)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.DELETE("/jobs/:id", jobHandler.Delete)
		v1.POST("/jobs/:id/reprocess", jobHandler.Reprocess)
		v1.GET("/jobs/:id/runs", jobHandler.Runs)

		// Clips
		v1.POST("/jobs/:id/batches", clipHandler.DispatchBatch)
		v1.GET("/jobs/:id/batches", clipHandler.ListBatches)
		v1.POST("/jobs/:id/clips", clipHandler.CreateClip)
		v1.GET("/jobs/:id/clips", clipHandler.ListClips)
		v1.GET("/clips/:id", clipHandler.GetClip)
		v1.GET("/batches/:id", clipHandler.GetBatch)
	}

	return r
}
