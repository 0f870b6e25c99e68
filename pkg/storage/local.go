package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	basePath  string
	publicURL string
}

// LocalConfig holds configuration for local storage.
type LocalConfig struct {
	BasePath  string `mapstructure:"base_path"`
	PublicURL string `mapstructure:"public_url"` // prefix of the route that serves keys
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &LocalStorage{
		basePath:  absPath,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

// fullPath maps a key into basePath, refusing keys that would escape it.
func (s *LocalStorage) fullPath(key string) (string, error) {
	cleanKey := filepath.Clean(filepath.FromSlash(key))
	if cleanKey == ".." || strings.HasPrefix(cleanKey, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleanKey) {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return filepath.Join(s.basePath, cleanKey), nil
}

// Write stores content atomically via a temp file and rename.
func (s *LocalStorage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves content for the given key.
func (s *LocalStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// List returns all files whose key starts with prefix. Keys use forward slashes.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	files := []FileInfo{}

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// GetURL returns the key under the configured public URL prefix.
func (s *LocalStorage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	return s.publicURL + "/" + strings.TrimPrefix(key, "/"), nil
}
