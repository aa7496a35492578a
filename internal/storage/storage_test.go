package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/timmy/clipforge/internal/config"
)

func TestNormalizeEndpoint(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"https://abc.r2.cloudflarestorage.com/", "abc.r2.cloudflarestorage.com"},
		{"http://localhost:9000/bucket/path", "localhost:9000"},
		{"minio:9000", "minio:9000"},
		{"", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			if got := normalizeEndpoint(tc.in); got != tc.want {
				t.Errorf("normalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDetectStorageType(t *testing.T) {
	testCases := []struct {
		endpoint string
		want     StorageType
	}{
		{"https://abc.R2.cloudflarestorage.com", StorageTypeR2},
		{"s3.eu-west-1.amazonaws.com", StorageTypeS3},
		{"", StorageTypeS3},
		{"localhost:9000", StorageTypeS3Compatible},
	}

	for _, tc := range testCases {
		t.Run(tc.endpoint, func(t *testing.T) {
			if got := detectStorageType(tc.endpoint); got != tc.want {
				t.Errorf("detectStorageType(%q) = %q, want %q", tc.endpoint, got, tc.want)
			}
		})
	}
}

func TestClipKey(t *testing.T) {
	testCases := []struct {
		name   string
		prefix string
		want   string
	}{
		{"with prefix", "clips", "clips/job_j1/clip_a_0s0-10s0.mp4"},
		{"slashes trimmed", "/clips/", "clips/job_j1/clip_a_0s0-10s0.mp4"},
		{"no prefix", "", "job_j1/clip_a_0s0-10s0.mp4"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClipKey(tc.prefix, "j1", filepath.Join("data", "clips", "job_j1", "clip_a_0s0-10s0.mp4"))
			if got != tc.want {
				t.Errorf("ClipKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewStorageDisabled(t *testing.T) {
	store, err := NewStorage(&config.StorageConfig{Enabled: false, Endpoint: "localhost:9000"})
	if err != nil || store != nil {
		t.Errorf("NewStorage(disabled) = %v, %v; want nil, nil", store, err)
	}
}

func TestS3StorageGetURL(t *testing.T) {
	testCases := []struct {
		name      string
		publicURL string
		want      string
	}{
		{"public url", "https://cdn.example.com/", "https://cdn.example.com/clips/a.mp4"},
		{"no public url", "", "s3://media/clips/a.mp4"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewS3Storage(&S3Config{
				Type:      StorageTypeS3Compatible,
				Endpoint:  "http://localhost:9000",
				AccessKey: "key",
				SecretKey: "secret",
				Bucket:    "media",
				PublicURL: tc.publicURL,
			})
			if err != nil {
				t.Fatalf("NewS3Storage() error = %v", err)
			}
			if got := s.GetURL("clips/a.mp4"); got != tc.want {
				t.Errorf("GetURL() = %q, want %q", got, tc.want)
			}
		})
	}
}

type recordingStorage struct {
	key         string
	body        []byte
	size        int64
	contentType string
}

func (r *recordingStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return err
	}
	r.key, r.body, r.size, r.contentType = key, buf.Bytes(), size, contentType
	return nil
}

func (r *recordingStorage) GetURL(key string) string { return key }

func (r *recordingStorage) Delete(ctx context.Context, key string) error { return nil }

func (r *recordingStorage) Exists(ctx context.Context, key string) (bool, error) {
	return r.key == key, nil
}

func TestPublishFile(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.json")
	if err := os.WriteFile(clip, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}
	blob := filepath.Join(dir, "clip.unknownext")
	if err := os.WriteFile(blob, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &recordingStorage{}
	if err := PublishFile(context.Background(), rec, "clips/clip.json", clip); err != nil {
		t.Fatalf("PublishFile() error = %v", err)
	}
	if rec.key != "clips/clip.json" || string(rec.body) != "frames" || rec.size != 6 || rec.contentType != "application/json" {
		t.Errorf("upload = %+v", rec)
	}

	if err := PublishFile(context.Background(), rec, "clips/blob", blob); err != nil {
		t.Fatalf("PublishFile() error = %v", err)
	}
	if rec.contentType != "application/octet-stream" {
		t.Errorf("content type = %q, want octet-stream fallback", rec.contentType)
	}

	if err := PublishFile(context.Background(), rec, "clips/missing", filepath.Join(dir, "missing.mp4")); err == nil {
		t.Errorf("PublishFile() on a missing file succeeded")
	}
}

func TestIsNotFound(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"head miss", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"missing key", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"missing bucket", fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NoSuchBucket"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.want {
				t.Errorf("isNotFound(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRegionFor(t *testing.T) {
	testCases := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{Region: "eu-west-1", Type: StorageTypeR2}, "eu-west-1"},
		{S3Config{Type: StorageTypeR2}, "auto"},
		{S3Config{Type: StorageTypeS3Compatible}, "us-east-1"},
	}
	for _, tc := range testCases {
		if got := regionFor(&tc.cfg); got != tc.want {
			t.Errorf("regionFor(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}
