package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// Schema creates the snapshot table. EnsureSchema runs it; deployments with a migration
// tool can apply it themselves.
const Schema = `
CREATE TABLE IF NOT EXISTS nullifier_snapshots (
	registry              TEXT PRIMARY KEY,
	market_hashes         TEXT[] NOT NULL,
	address_hashes        TEXT[] NOT NULL,
	accumulator_value     TEXT,
	accumulator_modulus   TEXT,
	accumulator_generator TEXT,
	cached_at             TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists snapshots in PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	clock   Clock
	metrics *metrics.Metrics
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock Clock) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPostgresMetrics records lookup outcomes.
func WithPostgresMetrics(m *metrics.Metrics) PostgresOption {
	return func(s *PostgresStore) {
		s.metrics = m
	}
}

// NewPostgresStore constructs a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure cache schema: %w", err)
	}
	return nil
}

// Load returns the entry for key if it passes the max-age gate.
func (s *PostgresStore) Load(ctx context.Context, key string, maxAge time.Duration) (*models.CacheEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	query := `
		SELECT market_hashes, address_hashes, accumulator_value, accumulator_modulus,
		       accumulator_generator, cached_at
		FROM nullifier_snapshots
		WHERE registry = $1
	`
	var (
		record    models.CacheRecord
		cachedAt  time.Time
		value     sql.NullString
		modulus   sql.NullString
		generator sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		pq.Array(&record.MarketHashes),
		pq.Array(&record.AddressHashes),
		&value,
		&modulus,
		&generator,
		&cachedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		s.metrics.RecordCacheMiss(BackendPostgres)
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		s.metrics.RecordCacheError(BackendPostgres)
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	record.AccumulatorValue = nullString(value)
	record.AccumulatorModulus = nullString(modulus)
	record.AccumulatorGenerator = nullString(generator)
	record.Timestamp = cachedAt.UnixMilli()

	entry, err := record.ToEntry()
	if err != nil {
		s.metrics.RecordCacheError(BackendPostgres)
		return nil, err
	}
	return gate(entry, s.clock(), maxAge, s.metrics, BackendPostgres)
}

// Save upserts the row for key.
func (s *PostgresStore) Save(ctx context.Context, key string, entry *models.CacheEntry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cache entry is required")
	}
	record := entry.ToRecord()
	query := `
		INSERT INTO nullifier_snapshots (
			registry, market_hashes, address_hashes, accumulator_value,
			accumulator_modulus, accumulator_generator, cached_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (registry) DO UPDATE SET
			market_hashes = EXCLUDED.market_hashes,
			address_hashes = EXCLUDED.address_hashes,
			accumulator_value = EXCLUDED.accumulator_value,
			accumulator_modulus = EXCLUDED.accumulator_modulus,
			accumulator_generator = EXCLUDED.accumulator_generator,
			cached_at = EXCLUDED.cached_at
	`
	_, err := s.db.ExecContext(ctx, query,
		key,
		pq.Array(record.MarketHashes),
		pq.Array(record.AddressHashes),
		record.AccumulatorValue,
		record.AccumulatorModulus,
		record.AccumulatorGenerator,
		time.UnixMilli(record.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// Clear deletes the row for key.
func (s *PostgresStore) Clear(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nullifier_snapshots WHERE registry = $1`, key); err != nil {
		return fmt.Errorf("clear cache entry: %w", err)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
