package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// MemoryStore keeps encoded records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	clock   Clock
	metrics *metrics.Metrics
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock function for testability.
func WithMemoryClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMemoryMetrics records lookup outcomes.
func WithMemoryMetrics(m *metrics.Metrics) MemoryOption {
	return func(s *MemoryStore) {
		s.metrics = m
	}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string][]byte),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load returns the entry for key if it passes the max-age gate.
func (s *MemoryStore) Load(_ context.Context, key string, maxAge time.Duration) (*models.CacheEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		s.metrics.RecordCacheMiss(BackendMemory)
		return nil, sentinel.ErrNotFound
	}
	entry, err := models.DecodeCacheEntry(data)
	if err != nil {
		s.metrics.RecordCacheError(BackendMemory)
		return nil, err
	}
	return gate(entry, s.clock(), maxAge, s.metrics, BackendMemory)
}

// Save overwrites the entry for key.
func (s *MemoryStore) Save(_ context.Context, key string, entry *models.CacheEntry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := models.EncodeCacheEntry(entry)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = data
	return nil
}

// Clear removes the entry for key.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
