package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/repository"
)

func TestDeleteJobCascades(t *testing.T) {
	h := newHarness(t, withStorage())
	ctx := context.Background()

	jobID, err := h.svc.Orchestrator.Submit(ctx, "https://example.com/v", "720p")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.wait(t)
	if _, err := h.svc.Batches.DispatchBatch(ctx, jobID, []float64{30, 60}, domain.ClipIntentShort); err != nil {
		t.Fatalf("DispatchBatch() error = %v", err)
	}
	h.wait(t)

	job, _ := h.store.Jobs.GetByID(ctx, jobID)
	clips := h.clips(t, jobID)
	if len(clips) != 3 {
		t.Fatalf("clips = %d, want 3", len(clips))
	}
	if len(h.storage.objects) != 3 {
		t.Fatalf("published objects = %d, want 3", len(h.storage.objects))
	}

	if err := h.svc.Deleter.DeleteJob(ctx, jobID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	h.wait(t)

	if _, err := h.store.Jobs.GetByID(ctx, jobID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("job lookup after delete error = %v, want not found", err)
	}
	db := h.store.DB()
	for _, model := range []interface{}{&domain.AgentRun{}, &domain.ClipBatch{}, &domain.Clip{}, &domain.ClipTranscript{}, &domain.ClipMetadata{}} {
		var n int64
		if err := db.Model(model).Count(&n).Error; err != nil {
			t.Fatalf("count %T: %v", model, err)
		}
		if n != 0 {
			t.Errorf("%T rows left = %d", model, n)
		}
	}

	for _, p := range []string{job.FilePath, clips[0].FilePath, clips[2].FilePath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	for _, dir := range []string{filepath.Dir(job.FilePath), filepath.Dir(clips[0].FilePath)} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("empty directory %s was not pruned", dir)
		}
	}
	for _, root := range []string{h.cfg.Paths.DownloadDir, h.cfg.Paths.ClipsDir} {
		if _, err := os.Stat(root); err != nil {
			t.Errorf("root %s removed: %v", root, err)
		}
	}
	if len(h.storage.objects) != 0 {
		t.Errorf("objects left = %d", len(h.storage.objects))
	}
}

func TestDeleteJobLeavesOtherJobsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keepID, err := h.svc.Orchestrator.Submit(ctx, "https://example.com/keep", "480p")
	if err != nil {
		t.Fatal(err)
	}
	dropID, err := h.svc.Orchestrator.Submit(ctx, "https://example.com/drop", "480p")
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	if err := h.svc.Deleter.DeleteJob(ctx, dropID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	h.wait(t)

	keep, err := h.store.Jobs.GetByID(ctx, keepID)
	if err != nil {
		t.Fatalf("surviving job lookup error = %v", err)
	}
	if !fileHasContent(keep.FilePath) {
		t.Errorf("surviving job file %s removed", keep.FilePath)
	}
	if runs, _ := h.store.Runs.ListByJob(ctx, keepID); len(runs) != 1 {
		t.Errorf("surviving job runs = %d, want 1", len(runs))
	}
}

func TestDeleteJobUnknown(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Deleter.DeleteJob(context.Background(), "missing")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("DeleteJob() error = %v, want not found", err)
	}
}

func TestCleanupStaysInsideRoots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outside := filepath.Join(h.dir, "elsewhere", "keep.mp4")
	inside := filepath.Join(h.cfg.Paths.ClipsDir, "job_x", "nested", "clip.mp4")
	sibling := filepath.Join(h.cfg.Paths.ClipsDir, "job_x", "other.mp4")
	for _, p := range []string{outside, inside, sibling} {
		if err := writeFile(p, "data"); err != nil {
			t.Fatal(err)
		}
	}

	err := h.svc.Deleter.Cleanup(ctx, repository.Artifacts{
		Paths: []string{outside, inside, h.cfg.Paths.ClipsDir, filepath.Join(h.cfg.Paths.ClipsDir, "gone.mp4")},
	})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if !fileHasContent(outside) {
		t.Errorf("file outside the managed roots was removed")
	}
	if _, err := os.Stat(inside); !os.IsNotExist(err) {
		t.Errorf("managed file was not removed")
	}
	if _, err := os.Stat(filepath.Dir(inside)); !os.IsNotExist(err) {
		t.Errorf("empty directory was not pruned")
	}
	if !fileHasContent(sibling) {
		t.Errorf("non-empty directory content was removed")
	}
	if _, err := os.Stat(h.cfg.Paths.ClipsDir); err != nil {
		t.Errorf("root removed: %v", err)
	}
}

func TestCleanupRetriesFailedObjectDeletes(t *testing.T) {
	h := newHarness(t, withStorage())
	h.storage.failDel = true

	err := h.svc.Deleter.Cleanup(context.Background(), repository.Artifacts{Keys: []string{"clips/job_x/a.mp4"}})
	if !domain.IsRetryable(err) {
		t.Errorf("Cleanup() error = %v, want retryable", err)
	}
}
