package cache

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/ports"
	"nullifier/pkg/platform/sentinel"
)

const testRegistry = "0x00000000000000000000000000000000000000aa"

// storeFactory builds a store whose clock reads *now.
type storeFactory func(t *testing.T, now *time.Time) ports.CacheStore

func sampleEntry(ts time.Time) *models.CacheEntry {
	return &models.CacheEntry{
		MarketHashes:         []string{"0xaa", "0xbb"},
		AddressHashes:        []string{"0x1111111111111111111111111111111111111111"},
		AccumulatorValue:     big.NewInt(123456789),
		AccumulatorModulus:   new(big.Int).Lsh(big.NewInt(1), 600),
		AccumulatorGenerator: big.NewInt(65537),
		Timestamp:            ts,
	}
}

// runStoreContract exercises the behavior every CacheStore shares.
func runStoreContract(t *testing.T, build storeFactory) {
	ctx := context.Background()
	base := time.UnixMilli(1_767_000_000_000)
	maxAge := 5 * time.Minute

	t.Run("missing key is not found", func(t *testing.T) {
		now := base
		s := build(t, &now)
		_, err := s.Load(ctx, testRegistry, maxAge)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("round trip preserves content", func(t *testing.T) {
		now := base
		s := build(t, &now)
		entry := sampleEntry(base)
		require.NoError(t, s.Save(ctx, testRegistry, entry))

		got, err := s.Load(ctx, testRegistry, maxAge)
		require.NoError(t, err)
		assert.Equal(t, entry.MarketHashes, got.MarketHashes)
		assert.Equal(t, entry.AddressHashes, got.AddressHashes)
		assert.Equal(t, 0, entry.AccumulatorValue.Cmp(got.AccumulatorValue))
		assert.Equal(t, 0, entry.AccumulatorModulus.Cmp(got.AccumulatorModulus))
		assert.Equal(t, 0, entry.AccumulatorGenerator.Cmp(got.AccumulatorGenerator))
		assert.Equal(t, entry.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())
	})

	t.Run("entry just inside max age is served", func(t *testing.T) {
		now := base.Add(maxAge - time.Millisecond)
		s := build(t, &now)
		require.NoError(t, s.Save(ctx, testRegistry, sampleEntry(base)))

		_, err := s.Load(ctx, testRegistry, maxAge)
		assert.NoError(t, err)
	})

	t.Run("entry exactly at max age is served", func(t *testing.T) {
		now := base.Add(maxAge)
		s := build(t, &now)
		require.NoError(t, s.Save(ctx, testRegistry, sampleEntry(base)))

		_, err := s.Load(ctx, testRegistry, maxAge)
		assert.NoError(t, err)
	})

	t.Run("entry just past max age is not found", func(t *testing.T) {
		now := base.Add(maxAge + time.Millisecond)
		s := build(t, &now)
		require.NoError(t, s.Save(ctx, testRegistry, sampleEntry(base)))

		_, err := s.Load(ctx, testRegistry, maxAge)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("save overwrites wholesale", func(t *testing.T) {
		now := base
		s := build(t, &now)
		require.NoError(t, s.Save(ctx, testRegistry, sampleEntry(base)))
		replacement := &models.CacheEntry{MarketHashes: []string{"0xcc"}, Timestamp: base}
		require.NoError(t, s.Save(ctx, testRegistry, replacement))

		got, err := s.Load(ctx, testRegistry, maxAge)
		require.NoError(t, err)
		assert.Equal(t, []string{"0xcc"}, got.MarketHashes)
		assert.Empty(t, got.AddressHashes)
		assert.Nil(t, got.AccumulatorValue)
	})

	t.Run("clear is unconditional", func(t *testing.T) {
		now := base
		s := build(t, &now)
		require.NoError(t, s.Save(ctx, testRegistry, sampleEntry(base)))
		require.NoError(t, s.Clear(ctx, testRegistry))
		require.NoError(t, s.Clear(ctx, testRegistry))

		_, err := s.Load(ctx, testRegistry, maxAge)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("stored entry is independent of the caller's copy", func(t *testing.T) {
		now := base
		s := build(t, &now)
		entry := sampleEntry(base)
		require.NoError(t, s.Save(ctx, testRegistry, entry))
		entry.MarketHashes[0] = "0xff"
		entry.AccumulatorValue.SetInt64(1)

		got, err := s.Load(ctx, testRegistry, maxAge)
		require.NoError(t, err)
		assert.Equal(t, "0xaa", got.MarketHashes[0])
		assert.Equal(t, int64(123456789), got.AccumulatorValue.Int64())
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		now := base
		s := build(t, &now)
		err := s.Save(ctx, "", sampleEntry(base))
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, now *time.Time) ports.CacheStore {
		return NewMemoryStore(WithMemoryClock(func() time.Time { return *now }))
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, now *time.Time) ports.CacheStore {
		s, err := NewFileStore(t.TempDir(), WithFileClock(func() time.Time { return *now }))
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), "0xAbC/../x", sampleEntry(time.Now())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nullifier-0xabc_.._x.json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"marketHashes":["0xaa","0xbb"]`)
	assert.Contains(t, string(data), `"accumulatorValue":"123456789"`)
}

func TestFileStore_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(testRegistry), []byte("{not json"), 0o600))

	_, err = s.Load(context.Background(), testRegistry, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, sentinel.ErrNotFound)
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}
