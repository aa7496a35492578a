package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/storage"
)

// Deleter removes jobs and schedules cleanup of their artifacts.
type Deleter struct {
	store       *repository.Store
	queue       queue.Queue
	storage     storage.ObjectStorage
	downloadDir string
	roots       []string
	policy      queue.RetryPolicy
}

// NewDeleter creates a Deleter. Files are only ever removed below roots.
func NewDeleter(store *repository.Store, q queue.Queue, objectStorage storage.ObjectStorage, downloadDir string, roots []string, policy queue.RetryPolicy) *Deleter {
	clean := make([]string, 0, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		if abs, err := filepath.Abs(root); err == nil {
			clean = append(clean, abs)
		}
	}
	return &Deleter{
		store:       store,
		queue:       q,
		storage:     objectStorage,
		downloadDir: downloadDir,
		roots:       clean,
		policy:      policy,
	}
}

// DeleteJob removes a job with its runs, batches, clips, transcripts and
// metadata in one transaction, then queues removal of the files and objects
// they referenced.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to delete.
// Returns:
//   - error: NotFound if the job does not exist, store errors otherwise.
//     A failure to queue the cleanup is logged, not returned.
func (d *Deleter) DeleteJob(ctx context.Context, jobID string) error {
	ctx = logger.SetJobID(ctx, jobID)
	artifacts, err := d.store.DeleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	if d.downloadDir != "" {
		artifacts.Paths = append(artifacts.Paths, filepath.Join(d.downloadDir, ".video_"+jobID+".lock"))
	}
	logger.With(logger.Fields{logger.FieldCount: len(artifacts.Paths) + len(artifacts.Keys)}).
		Info(ctx, "Deleted job")

	if artifacts.Empty() {
		return nil
	}
	if _, err := d.queue.Enqueue(ctx, queue.TaskArtifactsCleanup, artifacts, d.policy); err != nil {
		logger.CtxWarn(ctx, "Failed to queue artifact cleanup, %d file(s) left behind: %v", len(artifacts.Paths), err)
	}
	return nil
}

// HandleTask is the queue handler for artifacts.cleanup.
func (d *Deleter) HandleTask(ctx context.Context, task *queue.Task) error {
	var artifacts repository.Artifacts
	if err := task.Decode(&artifacts); err != nil {
		return err
	}
	return d.Cleanup(logger.SetComponent(ctx, "cleanup"), artifacts)
}

// Cleanup removes artifact files below the configured roots, prunes the
// directories they leave empty and deletes stored objects. Missing files and
// objects are not errors, so the cleanup can safely run again.
// Returns a retryable error if any object could not be deleted.
func (d *Deleter) Cleanup(ctx context.Context, artifacts repository.Artifacts) error {
	dirs := make(map[string]struct{})
	removed := 0
	for _, p := range artifacts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		root, ok := d.rootOf(abs)
		if !ok {
			logger.CtxWarn(ctx, "Refusing to remove %s: outside managed directories", p)
			continue
		}
		if err := os.Remove(abs); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.CtxWarn(ctx, "Failed to remove %s: %v", abs, err)
			}
		} else {
			removed++
		}
		for dir := filepath.Dir(abs); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}

	// Deepest first, so parents are empty by the time they are tried.
	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Count(ordered[i], string(filepath.Separator)) > strings.Count(ordered[j], string(filepath.Separator))
	})
	for _, dir := range ordered {
		// Remove fails on non-empty directories, which is what we want.
		_ = os.Remove(dir)
	}

	var failed []string
	if d.storage != nil {
		for _, key := range artifacts.Keys {
			if err := d.storage.Delete(ctx, key); err != nil {
				logger.CtxWarn(ctx, "Failed to delete object %s: %v", key, err)
				failed = append(failed, key)
			}
		}
	} else if len(artifacts.Keys) > 0 {
		logger.CtxWarn(ctx, "Object storage is disabled, %d object(s) left behind", len(artifacts.Keys))
	}

	logger.With(logger.Fields{logger.FieldCount: removed}).Info(ctx, "Artifact cleanup finished")
	if len(failed) > 0 {
		return domain.NewToolError("storage", fmt.Sprintf("failed to delete %d object(s)", len(failed)), nil)
	}
	return nil
}

// rootOf returns the managed root containing path.
func (d *Deleter) rootOf(path string) (string, bool) {
	for _, root := range d.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return root, true
	}
	return "", false
}
