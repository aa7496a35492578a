package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ClipKey returns the object key for a clip file: <prefix>/job_<jobID>/<file name>.
func ClipKey(prefix, jobID, filePath string) string {
	return path.Join(strings.Trim(prefix, "/"), "job_"+jobID, filepath.Base(filePath))
}

// PublishFile uploads the local file at filePath under key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - store: destination object storage.
//   - key: object key.
//   - filePath: local file to upload.
// Returns:
//   - error: non-nil if the file cannot be read or the upload fails.
func PublishFile(ctx context.Context, store ObjectStorage, key, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return store.Upload(ctx, key, f, info.Size(), contentType)
}
