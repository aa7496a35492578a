package service

import (
	"os"
	"path/filepath"

	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/storage"
	"github.com/timmy/clipforge/internal/tools"
)

// Deps are the collaborators shared by all services.
type Deps struct {
	Store   *repository.Store
	Queue   queue.Queue
	Tools   *tools.Toolset
	Storage storage.ObjectStorage // nil when object storage is disabled
	Config  *config.Config
}

// Services wires the orchestration engine together.
type Services struct {
	Orchestrator *Orchestrator
	Runner       *AgentRunner
	Batches      *BatchDispatcher
	Pipeline     *Pipeline
	Deleter      *Deleter
	Queries      *QueryService
	Reconciler   *Reconciler
}

// New builds every service from deps. Handlers are not attached to the
// queue until RegisterHandlers is called, so API-only processes can enqueue
// without consuming.
func New(deps Deps) *Services {
	cfg := deps.Config
	agentPolicy := queue.PolicyFromConfig(cfg.Retry.Agent, cfg.Retry.MaxBackoff)
	clipPolicy := queue.PolicyFromConfig(cfg.Retry.Clip, cfg.Retry.MaxBackoff)

	runner := NewAgentRunner(deps.Store, deps.Queue, agentPolicy)
	orchestrator := NewOrchestrator(deps.Store, runner, deps.Tools.Downloader)

	pipeline := NewPipeline(deps.Store, deps.Queue, deps.Tools, deps.Storage, &PipelineConfig{
		ClipsDir:          cfg.Paths.ClipsDir,
		TempDir:           cfg.Paths.TempDir,
		ShortAspectRatio:  cfg.Clip.ShortAspectRatio,
		MinDuration:       cfg.Clip.MinDuration,
		ManualMaxDuration: cfg.Clip.ManualMaxDuration,
		StoragePrefix:     cfg.Storage.Prefix,
		Policy:            clipPolicy,
		StageLease:        cfg.Worker.StageLease,
	})

	roots := []string{cfg.Paths.DownloadDir, cfg.Paths.ClipsDir}
	if cfg.Paths.TempDir != "" {
		roots = append(roots, cfg.Paths.TempDir)
	}

	return &Services{
		Orchestrator: orchestrator,
		Runner:       runner,
		Batches:      NewBatchDispatcher(deps.Store, pipeline, cfg.Clip.MinDuration),
		Pipeline:     pipeline,
		Deleter:      NewDeleter(deps.Store, deps.Queue, deps.Storage, cfg.Paths.DownloadDir, roots, agentPolicy),
		Queries:      NewQueryService(deps.Store, deps.Storage),
		Reconciler:   NewReconciler(deps.Store, runner, pipeline),
	}
}

// RegisterHandlers attaches the task handlers to q.
func (s *Services) RegisterHandlers(q queue.Queue) {
	q.OnTaskReceived(queue.TaskAgentRun, s.Runner.HandleTask)
	q.OnTaskReceived(queue.TaskClipProcess, s.Pipeline.HandleTask)
	q.OnTaskReceived(queue.TaskArtifactsCleanup, s.Deleter.HandleTask)
}

// EnsureDirs creates the configured working directories.
func EnsureDirs(cfg *config.PathsConfig) error {
	for _, dir := range []string{cfg.DownloadDir, cfg.ClipsDir, cfg.TempDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func fileHasContent(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(filepath.Clean(path))
	return err == nil && !info.IsDir() && info.Size() > 0
}
