package app

import (
	"context"
	"fmt"

	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/service"
	"github.com/timmy/clipforge/internal/storage"
	"github.com/timmy/clipforge/internal/tools"
	"gorm.io/gorm"
)

// App holds the process-wide engine components shared by every binary.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Store    *repository.Store
	Queue    queue.Queue
	Storage  storage.ObjectStorage
	Tools    *tools.Toolset
	Services *service.Services
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// Build opens the datastore, connects the queue and object storage and
// wires the services. Handlers are not registered; consumers call
// Services.RegisterHandlers on Queue themselves.
// Parameters:
//   - ctx: context for broker and provider initialization.
//   - cfg: loaded configuration.
// Returns:
//   - *App: wired components; call Close when done.
//   - error: non-nil if any component fails to initialize.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := service.EnsureDirs(&cfg.Paths); err != nil {
		return nil, fmt.Errorf("create working directories: %w", err)
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a := &App{Config: cfg, DB: db, Store: repository.NewStore(db)}

	q, err := queue.New(ctx, &cfg.Queue)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize queue: %w", err)
	}
	a.Queue = q

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	if objectStorage != nil {
		if b, ok := objectStorage.(bucketEnsurer); ok {
			if err := b.EnsureBucket(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("ensure storage bucket: %w", err)
			}
		}
		a.Storage = objectStorage
		logger.With(logger.Fields{"bucket": cfg.Storage.Bucket}).Info(ctx, "Object storage enabled")
	}

	toolset, err := tools.NewToolset(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize tools: %w", err)
	}
	a.Tools = toolset

	a.Services = service.New(service.Deps{
		Store:   a.Store,
		Queue:   a.Queue,
		Tools:   a.Tools,
		Storage: a.Storage,
		Config:  cfg,
	})
	return a, nil
}

// InProcess reports whether tasks are consumed by the process that enqueues them.
func (a *App) InProcess() bool {
	_, ok := a.Queue.(*queue.MemoryQueue)
	return ok
}

// Close releases the queue and database connections.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			logger.Warn("Failed to close queue: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
