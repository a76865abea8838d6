package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// Redis key prefix for mirror snapshots
const redisKeyPrefix = "nullifier:cache:"

// RedisStore keeps snapshots in Redis so several instances can warm-start from the
// same record.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	clock     Clock
	metrics   *metrics.Metrics
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock sets the clock function for testability.
func WithRedisClock(clock Clock) RedisOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRetention expires records in Redis after d. The load-time max-age gate still
// applies; retention only bounds how long dead records linger.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithRedisMetrics records lookup outcomes.
func WithRedisMetrics(m *metrics.Metrics) RedisOption {
	return func(s *RedisStore) {
		s.metrics = m
	}
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load returns the entry for key if it passes the max-age gate.
func (s *RedisStore) Load(ctx context.Context, key string, maxAge time.Duration) (*models.CacheEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.RecordCacheMiss(BackendRedis)
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		s.metrics.RecordCacheError(BackendRedis)
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	entry, err := models.DecodeCacheEntry(data)
	if err != nil {
		s.metrics.RecordCacheError(BackendRedis)
		return nil, err
	}
	return gate(entry, s.clock(), maxAge, s.metrics, BackendRedis)
}

// Save overwrites the record for key.
func (s *RedisStore) Save(ctx context.Context, key string, entry *models.CacheEntry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := models.EncodeCacheEntry(entry)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// Clear deletes the record for key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clear cache entry: %w", err)
	}
	return nil
}
