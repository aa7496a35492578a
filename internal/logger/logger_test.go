package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func newBufferLogger(t *testing.T, level string) (*bytes.Buffer, func()) {
	t.Helper()
	var buf bytes.Buffer
	prev := Default()
	SetDefaultLogger(New(&Config{Level: level, Format: "json", Output: &buf, ServiceName: "test"}))
	return &buf, func() { SetDefaultLogger(prev) }
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestContextFieldsReachLogLine(t *testing.T) {
	buf, restore := newBufferLogger(t, "info")
	defer restore()

	ctx := SetJobID(context.Background(), "job-1")
	ctx = SetClipID(ctx, "clip-1")
	ctx = SetComponent(ctx, "worker")
	CtxWarn(ctx, "stage %s failed", "Clipping")

	line := decodeLine(t, buf)
	want := map[string]string{
		"job_id":    "job-1",
		"clip_id":   "clip-1",
		"component": "worker",
		"service":   "test",
		"level":     "warning",
		"message":   "stage Clipping failed",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("field %s = %v, want %q", k, line[k], v)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Errorf("missing timestamp field in %v", line)
	}
}

func TestEntryMergesMeasurementFields(t *testing.T) {
	buf, restore := newBufferLogger(t, "info")
	defer restore()

	ctx := SetBatchID(context.Background(), "batch-1")
	base := With(Fields{FieldDurationMs: 12})
	base.WithStage("Transcribing").WithStatus("ok").Info(ctx, "stage done")

	line := decodeLine(t, buf)
	if line[FieldStage] != "Transcribing" || line[FieldStatus] != "ok" || line[FieldBatchID] != "batch-1" {
		t.Errorf("unexpected fields %v", line)
	}
	if line[FieldDurationMs] != float64(12) {
		t.Errorf("duration_ms = %v, want 12", line[FieldDurationMs])
	}

	buf.Reset()
	base.Info(ctx, "again")
	if _, ok := decodeLine(t, buf)[FieldStage]; ok {
		t.Errorf("WithStage mutated the parent entry")
	}
}

func TestLevelFiltering(t *testing.T) {
	buf, restore := newBufferLogger(t, "warn")
	defer restore()

	CtxInfo(context.Background(), "hidden")
	With(Fields{}).Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}
	CtxError(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Errorf("expected error line")
	}
}

func TestConfigWritesFile(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"local env", Config{Environment: "local", LogFile: "/tmp/x.log"}, false},
		{"prod env", Config{Environment: "prod", LogFile: "/tmp/x.log"}, true},
		{"no file", Config{Environment: "prod"}, false},
		{"explicit output", Config{Environment: "prod", LogFile: "/tmp/x.log", Output: &bytes.Buffer{}}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.writesFile(); got != tc.want {
				t.Errorf("writesFile() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_MAX_SIZE", "not-a-number")
	t.Setenv("LOG_COMPRESS", "false")

	cfg := LoadFromEnv()
	if cfg.Level != "debug" || cfg.MaxSizeMB != 100 || cfg.Compress {
		t.Errorf("LoadFromEnv() = %+v", cfg)
	}
}
