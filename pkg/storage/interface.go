package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// FileInfo represents metadata about a stored object.
type FileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Storage is the object store used for chat transcripts.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// GetURL returns a URL for accessing the content. For S3 this is a
	// presigned URL valid for expires.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Config selects and configures a storage backend.
type Config struct {
	Driver string      `mapstructure:"driver"` // "local", "s3"
	Local  LocalConfig `mapstructure:"local"`
	S3     S3Config    `mapstructure:"s3"`
}

// New creates the backend selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	case "local", "":
		return NewLocalStorage(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
