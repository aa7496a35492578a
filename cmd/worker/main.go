package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/clipforge/internal/app"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
	"github.com/timmy/clipforge/internal/tools"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	concurrency := flag.Int("concurrency", 0, "Override queue concurrency")
	flag.Parse()

	envCfg := logger.LoadFromEnv()
	envCfg.ServiceName = "clipforge-worker"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *concurrency > 0 {
		cfg.Queue.Concurrency = *concurrency
	}
	if cfg.Queue.Driver == "memory" {
		appLogger.Warn("Queue driver is memory; this worker only sees tasks it enqueues itself")
	}

	deps := tools.CheckDependencies(cfg)
	for _, dep := range deps {
		if !dep.Found {
			appLogger.WithFields(logger.Fields{
				"dependency": dep.Name,
				"command":    dep.Command,
				"required":   dep.Required,
			}).Warn("External tool not found")
		}
	}
	if missing := tools.MissingRequired(deps); len(missing) > 0 {
		appLogger.Fatalf("Missing required tools: %s", strings.Join(missing, ", "))
	}

	metrics.MustRegister()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := app.Build(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer engine.Close()

	engine.Services.RegisterHandlers(engine.Queue)
	go engine.Services.Reconciler.Start(ctx, cfg.Worker.ReclaimInterval, cfg.Worker.ReclaimAfter)

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort, appLogger)

	appLogger.WithFields(logger.Fields{
		"queue":       cfg.Queue.Driver,
		"concurrency": cfg.Queue.Concurrency,
		"reclaim":     cfg.Worker.ReclaimAfter.String(),
	}).Info("Worker started")

	if err := engine.Queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.WithError(err).Error("Queue consumer stopped")
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	appLogger.Info("Worker exited")
}

// startMetricsServer exposes /metrics on port. A zero port disables it.
func startMetricsServer(port int, log *logger.Logger) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		log.WithField("port", port).Info("Serving worker metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
