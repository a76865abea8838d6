// Package cache persists registry mirror snapshots. Every store keeps one record per
// registry deployment, keyed by the registry address, and applies the same load-time
// staleness gate: an entry is returned only while now - timestamp <= maxAge.
//
// Stores never hold references to the caller's entry; Save encodes a copy and Load
// decodes a fresh one.
package cache

import (
	"fmt"
	"time"

	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// Clock returns the current time.
type Clock func() time.Time

// Backend names used as metric labels.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// gate applies the max-age rule and records the lookup outcome.
func gate(entry *models.CacheEntry, now time.Time, maxAge time.Duration, m *metrics.Metrics, backend string) (*models.CacheEntry, error) {
	if !entry.FreshAt(now, maxAge) {
		m.RecordCacheMiss(backend)
		return nil, fmt.Errorf("cache entry expired: %w", sentinel.ErrNotFound)
	}
	m.RecordCacheHit(backend)
	return entry, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is required: %w", sentinel.ErrInvalidState)
	}
	return nil
}
