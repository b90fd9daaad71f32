package storage

import (
	"context"
	"fmt"

	"kycbackend/internal/config"
)

// ErrNotFound is returned when a storage reference does not resolve to an object.
var ErrNotFound = fmt.Errorf("storage: object not found")

// Storage persists opaque document blobs addressed by a path-like reference.
// No versioning — the pipeline writes each blob once.
type Storage interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// New builds the storage backend selected by configuration.
func New(cfg config.Config) (Storage, error) {
	switch cfg.StorageType {
	case "minio":
		return NewMinioStorage(cfg)
	case "local", "":
		return NewLocalStorage(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}
