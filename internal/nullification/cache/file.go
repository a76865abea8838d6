package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// FileStore keeps one JSON record per key under a directory. Writes go to a temp file
// in the same directory and are renamed into place.
type FileStore struct {
	dir     string
	clock   Clock
	metrics *metrics.Metrics
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock sets the clock function for testability.
func WithFileClock(clock Clock) FileOption {
	return func(s *FileStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFileMetrics records lookup outcomes.
func WithFileMetrics(m *metrics.Metrics) FileOption {
	return func(s *FileStore) {
		s.metrics = m
	}
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	s := &FileStore{dir: dir, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Load returns the entry for key if it passes the max-age gate.
func (s *FileStore) Load(_ context.Context, key string, maxAge time.Duration) (*models.CacheEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		s.metrics.RecordCacheMiss(BackendFile)
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		s.metrics.RecordCacheError(BackendFile)
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	entry, err := models.DecodeCacheEntry(data)
	if err != nil {
		s.metrics.RecordCacheError(BackendFile)
		return nil, err
	}
	return gate(entry, s.clock(), maxAge, s.metrics, BackendFile)
}

// Save atomically replaces the file for key.
func (s *FileStore) Save(_ context.Context, key string, entry *models.CacheEntry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := models.EncodeCacheEntry(entry)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Clear removes the file for key. A missing file is not an error.
func (s *FileStore) Clear(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, "nullifier-"+sanitize(key)+".json")
}

// sanitize keeps keys safe as file names.
func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(key))
}
