package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/storage"
	"github.com/timmy/clipforge/internal/tools"
	"gorm.io/gorm"
)

// fakeTools implements every tool interface against the local filesystem.
type fakeTools struct {
	mu       sync.Mutex
	dir      string
	duration float64
	calls    map[string]int

	downloadHook func(ctx context.Context, req tools.DownloadRequest) error
	cutHook      func(start, end float64) error
	transcribe   func() (domain.TranscriptSegments, error)
}

func newFakeTools(dir string) *fakeTools {
	return &fakeTools{dir: dir, duration: 100, calls: make(map[string]int)}
}

func (f *fakeTools) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTools) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeTools) Download(ctx context.Context, req tools.DownloadRequest) (*tools.DownloadResult, error) {
	f.record("download")
	if f.downloadHook != nil {
		if err := f.downloadHook(ctx, req); err != nil {
			return nil, err
		}
	}
	path := filepath.Join(f.dir, "video_"+req.JobID, "video_"+req.Resolution+".mp4")
	if req.SkipIfExists && fileHasContent(path) {
		return &tools.DownloadResult{FilePath: path, Title: "Test Video", DurationSeconds: f.duration, Skipped: true}, nil
	}
	if err := writeFile(path, "video"); err != nil {
		return nil, err
	}
	return &tools.DownloadResult{FilePath: path, Title: "Test Video", DurationSeconds: f.duration}, nil
}

func (f *fakeTools) CutClip(ctx context.Context, src, dst string, start, end float64) error {
	f.record("cut")
	if f.cutHook != nil {
		if err := f.cutHook(start, end); err != nil {
			return err
		}
	}
	if !fileHasContent(src) {
		return domain.NewPermanentToolError("ffmpeg", "source file missing", nil)
	}
	return writeFile(dst, fmt.Sprintf("clip %.1f-%.1f", start, end))
}

func (f *fakeTools) EditClip(ctx context.Context, src, dst string, aspectRatio float64) error {
	f.record("edit")
	return nil
}

func (f *fakeTools) ExtractAudio(ctx context.Context, src, dst string) error {
	f.record("audio")
	return writeFile(dst, "wav")
}

func (f *fakeTools) Transcribe(ctx context.Context, audioPath string) (domain.TranscriptSegments, error) {
	f.record("transcribe")
	if !fileHasContent(audioPath) {
		return nil, domain.NewPermanentToolError("whisper", "audio missing", nil)
	}
	if f.transcribe != nil {
		return f.transcribe()
	}
	return domain.TranscriptSegments{
		{Start: 0, End: 1.5, Text: "hello"},
		{Start: 1.5, End: 3, Text: "world"},
	}, nil
}

func (f *fakeTools) GenerateMetadata(ctx context.Context, transcript string) (*tools.GeneratedMetadata, error) {
	f.record("metadata")
	return &tools.GeneratedMetadata{
		Title:       "Title: " + transcript,
		Description: "About " + transcript,
		Keywords:    []string{"hello", "world"},
	}, nil
}

func (f *fakeTools) Model() string { return "fake-model" }

func (f *fakeTools) toolset() *tools.Toolset {
	return &tools.Toolset{
		Downloader:  f,
		Cutter:      f,
		Editor:      f,
		Audio:       f,
		Transcriber: f,
		Metadata:    f,
	}
}

// memStorage is an in-memory ObjectStorage.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failDel bool
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memStorage) GetURL(key string) string { return "https://cdn.example.com/" + key }

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel {
		return fmt.Errorf("delete %s: unavailable", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

var _ storage.ObjectStorage = (*memStorage)(nil)

type harness struct {
	db      *gorm.DB
	svc     *Services
	store   *repository.Store
	queue   *queue.MemoryQueue
	tools   *fakeTools
	storage *memStorage
	cfg     *config.Config
	dir     string
}

type harnessOption func(*harness)

func withStorage() harnessOption {
	return func(h *harness) { h.storage = newMemStorage() }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(dir, "clipforge.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := &config.Config{
		Paths: config.PathsConfig{
			DownloadDir: filepath.Join(dir, "downloads"),
			ClipsDir:    filepath.Join(dir, "clips"),
		},
		Clip: config.ClipConfig{
			MinDuration:       1.5,
			ManualMaxDuration: 120,
			ShortAspectRatio:  9.0 / 16.0,
			EditMethod:        "crop",
		},
		Storage: config.StorageConfig{Prefix: "clips"},
		Retry: config.RetryConfig{
			Agent:      config.RetryPolicyConfig{MaxRetries: 2, Backoff: time.Millisecond},
			Clip:       config.RetryPolicyConfig{MaxRetries: 1, Backoff: time.Millisecond},
			MaxBackoff: 10 * time.Millisecond,
		},
	}
	if err := EnsureDirs(&cfg.Paths); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}

	h := &harness{
		db:    db,
		store: repository.NewStore(db),
		queue: queue.NewMemoryQueue(4),
		tools: newFakeTools(cfg.Paths.DownloadDir),
		cfg:   cfg,
		dir:   dir,
	}
	for _, opt := range opts {
		opt(h)
	}

	deps := Deps{Store: h.store, Queue: h.queue, Tools: h.tools.toolset(), Config: cfg}
	if h.storage != nil {
		deps.Storage = h.storage
	}
	h.svc = New(deps)
	h.svc.RegisterHandlers(h.queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		h.queue.Close()
		cancel()
		<-done
	})
	return h
}

// wait blocks until the queue has drained.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

// readyJob inserts a Ready job whose source file exists.
func (h *harness) readyJob(t *testing.T, duration float64) *domain.VideoJob {
	t.Helper()
	path := filepath.Join(h.cfg.Paths.DownloadDir, "video_ready", "video_480p.mp4")
	if err := writeFile(path, "video"); err != nil {
		t.Fatalf("write source: %v", err)
	}
	job := &domain.VideoJob{
		SourceURL:       "https://example.com/watch?v=ready",
		Resolution:      "480p",
		Status:          domain.JobStatusReady,
		FilePath:        path,
		DurationSeconds: duration,
	}
	if err := h.store.Jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (h *harness) clips(t *testing.T, jobID string) []domain.Clip {
	t.Helper()
	clips, err := h.store.Clips.ListByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list clips: %v", err)
	}
	return clips
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeFile(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}
