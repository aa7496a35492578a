package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/storage"
	"gorm.io/gorm"
)

func TestProcessClipRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	clip, err := h.svc.Pipeline.ProcessSingleClip(ctx, job.ID, 5, 20, domain.ClipIntentShort)
	if err != nil {
		t.Fatalf("ProcessSingleClip() error = %v", err)
	}
	h.wait(t)

	before, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if before.Status != domain.ClipStatusCompleted {
		t.Fatalf("status = %s, want Completed", before.Status)
	}
	cuts, transcribes := h.tools.count("cut"), h.tools.count("transcribe")

	if err := h.svc.Pipeline.ProcessClip(ctx, clip.ID, false); err != nil {
		t.Fatalf("redelivered ProcessClip() error = %v", err)
	}

	after, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Errorf("redelivery modified the clip: %+v -> %+v", before, after)
	}
	if h.tools.count("cut") != cuts || h.tools.count("transcribe") != transcribes {
		t.Errorf("redelivery invoked tools again")
	}
}

func TestProcessClipRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	h.tools.transcribe = func() (domain.TranscriptSegments, error) {
		return nil, domain.NewToolError("whisper", "model server unavailable", nil)
	}

	clip, err := h.svc.Pipeline.ProcessSingleClip(ctx, job.ID, 0, 30, domain.ClipIntentLong)
	if err != nil {
		t.Fatalf("ProcessSingleClip() error = %v", err)
	}
	h.wait(t)

	// MaxRetries 1 allows two deliveries.
	if got := h.tools.count("transcribe"); got != 2 {
		t.Errorf("transcribe calls = %d, want 2", got)
	}
	if got := h.tools.count("cut"); got != 1 {
		t.Errorf("cut calls = %d, the retry should resume at Transcribing", got)
	}
	got, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "whisper: model server unavailable" {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
	if got.Transcript == nil || got.Transcript.Status != domain.RecordFailed {
		t.Errorf("transcript = %+v, want a Failed record", got.Transcript)
	}
	if got.Metadata != nil {
		t.Errorf("metadata generated for a failed transcript")
	}
	if dead := h.queue.DeadLetters(); len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dead))
	}
}

func TestProcessClipRecoversFromTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	failures := 1
	h.tools.transcribe = func() (domain.TranscriptSegments, error) {
		if failures > 0 {
			failures--
			return nil, domain.NewToolError("whisper", "timeout", nil)
		}
		return domain.TranscriptSegments{{Start: 0, End: 2, Text: "again"}}, nil
	}

	clip, err := h.svc.Pipeline.ProcessSingleClip(ctx, job.ID, 0, 30, domain.ClipIntentLong)
	if err != nil {
		t.Fatalf("ProcessSingleClip() error = %v", err)
	}
	h.wait(t)

	got, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusCompleted || got.ErrorMessage != nil {
		t.Fatalf("clip = %s (%v), want Completed", got.Status, got.ErrorMessage)
	}
	if got.Transcript == nil || got.Transcript.Status != domain.RecordCompleted || got.Transcript.ErrorMessage != nil {
		t.Errorf("transcript = %+v, want the retry to overwrite the failure", got.Transcript)
	}
	if got.Metadata == nil || got.Metadata.Title != "Title: again" || got.Metadata.Model != "fake-model" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}

func TestProcessClipResumesAtStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	clip := h.svc.Pipeline.newClip(job.ID, 10, 20, domain.ClipIntentShort)
	clip.Status = domain.ClipStatusTranscribing
	if err := writeFile(clip.FilePath, "clip"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Clips.Create(ctx, clip); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.Pipeline.ProcessClip(ctx, clip.ID, true); err != nil {
		t.Fatalf("ProcessClip() error = %v", err)
	}

	got, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusCompleted {
		t.Fatalf("status = %s, want Completed", got.Status)
	}
	if h.tools.count("cut") != 0 || h.tools.count("edit") != 0 {
		t.Errorf("earlier stages ran again: cut=%d edit=%d", h.tools.count("cut"), h.tools.count("edit"))
	}
	if h.tools.count("audio") != 1 {
		t.Errorf("audio extractions = %d, the missing scratch audio must be rebuilt", h.tools.count("audio"))
	}
}

func TestProcessSingleClipValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 300)

	pending := &domain.VideoJob{SourceURL: "https://example.com/p", Resolution: "480p"}
	if err := h.store.Jobs.Create(ctx, pending); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name      string
		jobID     string
		start     float64
		end       float64
		wantKind  domain.Kind
		wantStart float64
		wantEnd   float64
	}{
		{name: "valid", jobID: job.ID, start: 12.5, end: 42, wantStart: 12.5, wantEnd: 42},
		{name: "negative start clamped", jobID: job.ID, start: -4, end: 10, wantStart: 0, wantEnd: 10},
		{name: "end within tolerance clamped", jobID: job.ID, start: 290, end: 300.05, wantStart: 290, wantEnd: 300},
		{name: "end before start", jobID: job.ID, start: 20, end: 10, wantKind: domain.KindValidation},
		{name: "equal bounds", jobID: job.ID, start: 20, end: 20, wantKind: domain.KindValidation},
		{name: "too short", jobID: job.ID, start: 20, end: 21, wantKind: domain.KindValidation},
		{name: "too long", jobID: job.ID, start: 0, end: 200, wantKind: domain.KindValidation},
		{name: "past the end", jobID: job.ID, start: 250, end: 301, wantKind: domain.KindValidation},
		{name: "job not ready", jobID: pending.ID, start: 0, end: 10, wantKind: domain.KindValidation},
		{name: "unknown job", jobID: "missing", start: 0, end: 10, wantKind: domain.KindNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clip, err := h.svc.Pipeline.ProcessSingleClip(ctx, tc.jobID, tc.start, tc.end, domain.ClipIntentLong)
			if tc.wantKind != "" {
				if domain.KindOf(err) != tc.wantKind {
					t.Fatalf("ProcessSingleClip() error = %v, want %s", err, tc.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("ProcessSingleClip() error = %v", err)
			}
			if clip.StartTime != tc.wantStart || clip.EndTime != tc.wantEnd || clip.BatchID != nil {
				t.Errorf("clip = [%v, %v] batch %v, want [%v, %v] without batch",
					clip.StartTime, clip.EndTime, clip.BatchID, tc.wantStart, tc.wantEnd)
			}
		})
	}
	h.wait(t)
}

func TestPipelinePanicFailsOnlyThatClip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	h.tools.cutHook = func(start, end float64) error {
		if start == 50 {
			panic("nil pointer in encoder")
		}
		return nil
	}

	batch, err := h.svc.Batches.DispatchBatch(ctx, job.ID, []float64{50}, domain.ClipIntentLong)
	if err != nil {
		t.Fatalf("DispatchBatch() error = %v", err)
	}
	h.wait(t)

	clips := h.clips(t, job.ID)
	if len(clips) != 2 {
		t.Fatalf("clips = %d, want 2", len(clips))
	}
	if clips[0].Status != domain.ClipStatusCompleted {
		t.Errorf("healthy clip status = %s", clips[0].Status)
	}
	if clips[1].Status != domain.ClipStatusFailed || clips[1].ErrorMessage == nil ||
		!strings.Contains(*clips[1].ErrorMessage, "nil pointer in encoder") {
		t.Errorf("panicking clip = %s (%v)", clips[1].Status, clips[1].ErrorMessage)
	}
	if got := h.tools.count("cut"); got != 2 {
		t.Errorf("cut calls = %d, panics are not retried", got)
	}

	batch, _ = h.store.Batches.GetByID(ctx, batch.ID)
	if batch.Status != domain.BatchStatusCompleted || batch.Summary() != "1 of 2 clips completed" {
		t.Errorf("batch = %+v", batch)
	}
}

func TestPipelinePublishesToObjectStorage(t *testing.T) {
	h := newHarness(t, withStorage())
	ctx := context.Background()
	job := h.readyJob(t, 100)

	clip, err := h.svc.Pipeline.ProcessSingleClip(ctx, job.ID, 0, 10, domain.ClipIntentLong)
	if err != nil {
		t.Fatalf("ProcessSingleClip() error = %v", err)
	}
	h.wait(t)

	view, err := h.svc.Queries.GetClip(ctx, clip.ID)
	if err != nil {
		t.Fatalf("GetClip() error = %v", err)
	}
	wantKey := storage.ClipKey("clips", job.ID, clip.FilePath)
	if view.ArtifactKey != wantKey {
		t.Fatalf("artifact key = %q, want %q", view.ArtifactKey, wantKey)
	}
	if view.URL != "https://cdn.example.com/"+wantKey {
		t.Errorf("url = %q", view.URL)
	}
	if ok, _ := h.storage.Exists(ctx, wantKey); !ok {
		t.Errorf("object %q was not uploaded", wantKey)
	}
}

func TestProcessClipConcurrentDeliveryRunsStageOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.tools.cutHook = func(start, end float64) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	clip := h.svc.Pipeline.newClip(job.ID, 0, 30, domain.ClipIntentLong)
	if err := h.store.Clips.Create(ctx, clip); err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() { first <- h.svc.Pipeline.ProcessClip(ctx, clip.ID, false) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("first delivery never reached the cut stage")
	}

	// The duplicate arrives while the first delivery is still cutting.
	if err := h.svc.Pipeline.ProcessClip(ctx, clip.ID, false); err != nil {
		t.Errorf("duplicate ProcessClip() error = %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("ProcessClip() error = %v", err)
	}

	if got := h.tools.count("cut"); got != 1 {
		t.Errorf("cut calls = %d, want 1", got)
	}
	if got := h.tools.count("transcribe"); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
	got, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusCompleted {
		t.Errorf("status = %s, want Completed", got.Status)
	}
	if got.LeaseToken != nil || got.LeaseUntil != nil {
		t.Errorf("terminal clip still leased: %v until %v", got.LeaseToken, got.LeaseUntil)
	}
}

func TestProcessClipLease(t *testing.T) {
	testCases := []struct {
		name       string
		leaseUntil time.Duration
		wantStatus domain.ClipStatus
		wantCuts   int
	}{
		{"live lease is left alone", time.Hour, domain.ClipStatusClipping, 0},
		{"expired lease is taken over", -time.Minute, domain.ClipStatusCompleted, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			job := h.readyJob(t, 100)

			holder := "other-delivery"
			until := time.Now().Add(tc.leaseUntil)
			clip := h.svc.Pipeline.newClip(job.ID, 0, 30, domain.ClipIntentLong)
			clip.Status = domain.ClipStatusClipping
			clip.LeaseToken = &holder
			clip.LeaseUntil = &until
			if err := h.store.Clips.Create(ctx, clip); err != nil {
				t.Fatal(err)
			}

			if err := h.svc.Pipeline.ProcessClip(ctx, clip.ID, false); err != nil {
				t.Fatalf("ProcessClip() error = %v", err)
			}

			got, _ := h.store.Clips.GetByID(ctx, clip.ID)
			if got.Status != tc.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tc.wantStatus)
			}
			if n := h.tools.count("cut"); n != tc.wantCuts {
				t.Errorf("cut calls = %d, want %d", n, tc.wantCuts)
			}
		})
	}
}

func TestProcessClipTerminalWriteFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.readyJob(t, 100)

	var failTerminal atomic.Bool
	failTerminal.Store(true)
	err := h.db.Callback().Update().Before("gorm:update").Register("test:fail_completed", func(tx *gorm.DB) {
		values, ok := tx.Statement.Dest.(map[string]interface{})
		if ok && failTerminal.Load() && values["status"] == string(domain.ClipStatusCompleted) {
			tx.AddError(errors.New("disk I/O error"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	clip := h.svc.Pipeline.newClip(job.ID, 0, 30, domain.ClipIntentLong)
	if err := h.store.Clips.Create(ctx, clip); err != nil {
		t.Fatal(err)
	}

	err = h.svc.Pipeline.ProcessClip(ctx, clip.ID, false)
	if err == nil {
		t.Fatal("ProcessClip() error = nil, want the store failure")
	}
	if !domain.IsRetryable(err) || !strings.Contains(err.Error(), "record terminal status") {
		t.Errorf("ProcessClip() error = %v, want a retryable store error", err)
	}
	got, _ := h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusGeneratingMetadata {
		t.Errorf("status = %s, want GeneratingMetadata", got.Status)
	}
	if got.LeaseToken != nil {
		t.Errorf("lease kept after the delivery returned")
	}

	failTerminal.Store(false)
	if err := h.svc.Pipeline.ProcessClip(ctx, clip.ID, false); err != nil {
		t.Fatalf("redelivered ProcessClip() error = %v", err)
	}
	got, _ = h.store.Clips.GetByID(ctx, clip.ID)
	if got.Status != domain.ClipStatusCompleted {
		t.Errorf("status after redelivery = %s, want Completed", got.Status)
	}
}
