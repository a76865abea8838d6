// Package ports defines the interfaces the nullification subsystem consumes.
// The registry is the external source of truth; stores and publishers are local
// infrastructure injected by cmd/server.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"math/big"
	"time"

	"nullifier/internal/nullification/models"
)

// Registry is the authoritative nullification registry (the on-chain contract or a
// gateway in front of it).
type Registry interface {
	// NullifiedMarkets pages through nullified market hashes.
	NullifiedMarkets(ctx context.Context, offset, limit int) (hashes []string, hasMore bool, err error)

	// NullifiedAddresses pages through nullified addresses.
	NullifiedAddresses(ctx context.Context, offset, limit int) (addresses []string, hasMore bool, err error)

	// IsMarketNullified is the authoritative single-item check for a market hash.
	IsMarketNullified(ctx context.Context, hash string) (bool, error)

	// IsAddressNullified is the authoritative single-item check for an address.
	IsAddressNullified(ctx context.Context, address string) (bool, error)

	// AccumulatorParameters returns the published accumulator values; Initialized is
	// false until the authority has set them up.
	AccumulatorParameters(ctx context.Context) (models.AccumulatorParameters, error)

	// Stats returns the registry's counters.
	Stats(ctx context.Context) (models.RegistryStats, error)
}

// WitnessSource is implemented by registries that can hand out membership witnesses.
type WitnessSource interface {
	Witness(ctx context.Context, prime *big.Int) (*big.Int, error)
}

// CacheStore persists mirror snapshots, one record per registry deployment.
type CacheStore interface {
	// Load returns the entry for key if it is no older than maxAge, else
	// sentinel.ErrNotFound.
	Load(ctx context.Context, key string, maxAge time.Duration) (*models.CacheEntry, error)

	// Save overwrites the entry for key wholesale.
	Save(ctx context.Context, key string, entry *models.CacheEntry) error

	// Clear removes the entry for key unconditionally.
	Clear(ctx context.Context, key string) error
}

// EventPublisher forwards mirror state changes to an external sink.
type EventPublisher interface {
	Publish(ctx context.Context, event models.MirrorEvent) error
}
