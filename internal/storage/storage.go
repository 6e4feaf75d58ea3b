// Package storage keeps raw uploaded files so processing can run after the
// upload request has returned.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nikhilbhutani/dataintegration/internal/config"
)

var ErrNotFound = errors.New("object not found")

// Storage is a single bucket of objects addressed by path.
type Storage interface {
	Upload(ctx context.Context, path string, data io.Reader, size int64, contentType string) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "minio":
		return NewMinioStorage(ctx, cfg)
	case "supabase":
		return NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Bucket), nil
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ReadAll downloads path fully into memory.
func ReadAll(ctx context.Context, s Storage, path string) ([]byte, error) {
	rc, err := s.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
