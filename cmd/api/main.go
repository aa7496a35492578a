package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/clipforge/internal/api"
	"github.com/timmy/clipforge/internal/app"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
)

func main() {
	envCfg := logger.LoadFromEnv()
	envCfg.ServiceName = "clipforge-api"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	metrics.MustRegister()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.Build(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer engine.Close()

	// With the in-memory queue nothing else can consume tasks, so this
	// process runs the workers and the reconciler itself.
	if engine.InProcess() {
		engine.Services.RegisterHandlers(engine.Queue)
		go func() {
			if err := engine.Queue.Run(ctx); err != nil && ctx.Err() == nil {
				appLogger.WithError(err).Error("Queue consumer stopped")
			}
		}()
		go engine.Services.Reconciler.Start(ctx, cfg.Worker.ReclaimInterval, cfg.Worker.ReclaimAfter)
		appLogger.WithField("concurrency", cfg.Queue.Concurrency).Info("Running workers in-process")
	}

	router := api.SetupRouter(engine.Services, engine.Store, &cfg.Server)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":  cfg.Server.Port,
			"mode":  cfg.Server.Mode,
			"queue": cfg.Queue.Driver,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
