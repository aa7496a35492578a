package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
	"github.com/timmy/clipforge/internal/service"
	"github.com/timmy/clipforge/internal/tools"
)

// stubTools succeeds at everything by writing placeholder files.
type stubTools struct {
	dir string
}

func (s stubTools) Download(ctx context.Context, req tools.DownloadRequest) (*tools.DownloadResult, error) {
	path := filepath.Join(s.dir, "video_"+req.JobID, "video.mp4")
	if err := write(path); err != nil {
		return nil, err
	}
	return &tools.DownloadResult{FilePath: path, Title: "stub", DurationSeconds: 60}, nil
}

func (s stubTools) CutClip(ctx context.Context, src, dst string, start, end float64) error {
	return write(dst)
}

func (s stubTools) EditClip(ctx context.Context, src, dst string, aspectRatio float64) error {
	return nil
}

func (s stubTools) ExtractAudio(ctx context.Context, src, dst string) error { return write(dst) }

func (s stubTools) Transcribe(ctx context.Context, audioPath string) (domain.TranscriptSegments, error) {
	return domain.TranscriptSegments{{Start: 0, End: 1, Text: "hi"}}, nil
}

func (s stubTools) GenerateMetadata(ctx context.Context, transcript string) (*tools.GeneratedMetadata, error) {
	return &tools.GeneratedMetadata{Title: "t", Description: "d", Keywords: []string{"k"}}, nil
}

func (s stubTools) Model() string { return "stub" }

func write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("data"), 0o644)
}

type testServer struct {
	router *gin.Engine
	store  *repository.Store
	queue  *queue.MemoryQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(dir, "api.db"),
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
		Server: config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Paths: config.PathsConfig{
			DownloadDir: filepath.Join(dir, "downloads"),
			ClipsDir:    filepath.Join(dir, "clips"),
		},
		Clip: config.ClipConfig{MinDuration: 1.5, ManualMaxDuration: 120, ShortAspectRatio: 9.0 / 16.0},
		Retry: config.RetryConfig{
			Agent:      config.RetryPolicyConfig{MaxRetries: 0, Backoff: time.Millisecond},
			Clip:       config.RetryPolicyConfig{MaxRetries: 0, Backoff: time.Millisecond},
			MaxBackoff: time.Millisecond,
		},
	}
	if err := service.EnsureDirs(&cfg.Paths); err != nil {
		t.Fatal(err)
	}

	stub := stubTools{dir: cfg.Paths.DownloadDir}
	store := repository.NewStore(db)
	q := queue.NewMemoryQueue(2)
	svc := service.New(service.Deps{
		Store: store,
		Queue: q,
		Tools: &tools.Toolset{
			Downloader:  stub,
			Cutter:      stub,
			Editor:      stub,
			Audio:       stub,
			Transcriber: stub,
			Metadata:    stub,
		},
		Config: cfg,
	})
	svc.RegisterHandlers(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		q.Close()
		cancel()
		<-done
	})

	return &testServer{router: SetupRouter(svc, store, &cfg.Server), store: store, queue: q}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (s *testServer) submitReady(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"url": "https://example.com/v"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	decode(t, w, &resp)
	s.drain(t)
	return resp.JobID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("missing X-Request-ID header")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	jobID := s.submitReady(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var detail service.JobDetail
	decode(t, w, &detail)
	if detail.View.Status != "Ready" || detail.Job.DurationSeconds != 60 {
		t.Errorf("detail = %+v", detail)
	}

	w = s.do(t, http.MethodGet, "/api/v1/jobs?limit=10", nil)
	var list struct {
		Jobs  []service.JobDetail `json:"jobs"`
		Total int64               `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || len(list.Jobs) != 1 {
		t.Errorf("list = %+v", list)
	}

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/batches", map[string]interface{}{
		"timestamps": []string{"0:20", "40"},
		"intent":     "short",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch status = %d, body = %s", w.Code, w.Body.String())
	}
	s.drain(t)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/clips", nil)
	var clips struct {
		Clips []service.ClipView `json:"clips"`
	}
	decode(t, w, &clips)
	if len(clips.Clips) != 3 {
		t.Fatalf("clips = %d, want 3", len(clips.Clips))
	}
	for _, c := range clips.Clips {
		if c.Status != domain.ClipStatusCompleted || c.Intent != domain.ClipIntentShort {
			t.Errorf("clip = %s %s", c.Status, c.Intent)
		}
	}

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/runs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("runs status = %d", w.Code)
	}

	w = s.do(t, http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	s.drain(t)
	if w = s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	jobID := s.submitReady(t)

	// An active download run makes reprocessing conflict.
	other := &domain.VideoJob{SourceURL: "https://example.com/busy", Resolution: "480p"}
	if err := s.store.Jobs.Create(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Runs.Create(context.Background(), &domain.AgentRun{JobID: other.ID, AgentType: domain.AgentTypeDownload}); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
	}{
		{"submit without url", http.MethodPost, "/api/v1/jobs", map[string]string{}, http.StatusBadRequest},
		{"submit bad scheme", http.MethodPost, "/api/v1/jobs", map[string]string{"url": "ftp://x/y"}, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", nil, http.StatusNotFound},
		{"reprocess active", http.MethodPost, "/api/v1/jobs/" + other.ID + "/reprocess", nil, http.StatusConflict},
		{"batch bad timestamp", http.MethodPost, "/api/v1/jobs/" + jobID + "/batches", map[string]interface{}{"timestamps": []string{"1:xx"}}, http.StatusBadRequest},
		{"batch bad intent", http.MethodPost, "/api/v1/jobs/" + jobID + "/batches", map[string]interface{}{"timestamps": []string{"10"}, "intent": "square"}, http.StatusBadRequest},
		{"batch empty", http.MethodPost, "/api/v1/jobs/" + jobID + "/batches", map[string]interface{}{"timestamps": []string{}}, http.StatusBadRequest},
		{"clip too short", http.MethodPost, "/api/v1/jobs/" + jobID + "/clips", map[string]string{"start": "10", "end": "10.5"}, http.StatusBadRequest},
		{"clip unknown job", http.MethodPost, "/api/v1/jobs/missing/clips", map[string]string{"start": "0", "end": "10"}, http.StatusNotFound},
		{"unknown clip", http.MethodGet, "/api/v1/clips/missing", nil, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/v1/jobs/missing", nil, http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, tc.method, tc.path, tc.body)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tc.wantCode, w.Body.String())
			}
		})
	}
}

func TestSingleClipEndpoint(t *testing.T) {
	s := newTestServer(t)
	jobID := s.submitReady(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/clips", map[string]string{"start": "0:05", "end": "0:15.5"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var clip domain.Clip
	decode(t, w, &clip)
	if clip.StartTime != 5 || clip.EndTime != 15.5 || clip.Intent != domain.ClipIntentLong {
		t.Errorf("clip = %+v", clip)
	}
	s.drain(t)

	w = s.do(t, http.MethodGet, "/api/v1/clips/"+clip.ID, nil)
	var view service.ClipView
	decode(t, w, &view)
	if view.Status != domain.ClipStatusCompleted || view.Metadata == nil {
		t.Errorf("clip view = %+v", view)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestListJobsByStatus(t *testing.T) {
	s := newTestServer(t)
	readyID := s.submitReady(t)

	// With the queue closed the download cannot be dispatched and the job ends in Error.
	s.queue.Close()
	w := s.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"url": "https://example.com/broken"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("submit status = %d, body = %s", w.Code, w.Body.String())
	}
	var failed struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	decode(t, w, &failed)
	if failed.JobID == "" || failed.Error == "" {
		t.Fatalf("failed submit body = %s, want job_id and error", w.Body.String())
	}

	testCases := []struct {
		name     string
		query    string
		wantCode int
		wantIDs  []string
	}{
		{"errors only", "?status=Error", http.StatusOK, []string{failed.JobID}},
		{"case insensitive", "?status=ready", http.StatusOK, []string{readyID}},
		{"no filter", "", http.StatusOK, []string{failed.JobID, readyID}},
		{"unknown status", "?status=Exploded", http.StatusBadRequest, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/jobs"+tc.query, nil)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tc.wantCode, w.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				return
			}
			var list struct {
				Jobs  []service.JobDetail `json:"jobs"`
				Total int64               `json:"total"`
			}
			decode(t, w, &list)
			if int(list.Total) != len(tc.wantIDs) || len(list.Jobs) != len(tc.wantIDs) {
				t.Fatalf("got %d of %d jobs, want %d", len(list.Jobs), list.Total, len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if list.Jobs[i].Job.ID != id {
					t.Errorf("jobs[%d] = %s, want %s", i, list.Jobs[i].Job.ID, id)
				}
			}
		})
	}

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+failed.JobID, nil)
	var detail service.JobDetail
	decode(t, w, &detail)
	if detail.Job.Status != domain.JobStatusError || detail.Job.ErrorText() == "" {
		t.Errorf("failed job = %s (%q), want Error with a message", detail.Job.Status, detail.Job.ErrorText())
	}
}
