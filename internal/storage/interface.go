package storage

import (
	"context"
	"io"
)

// ObjectStorage is where finished clip files are published. Keys are
// produced by ClipKey. Delete of a missing key is not an error.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// GetURL returns the address clients use to fetch key.
	GetURL(key string) string
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
