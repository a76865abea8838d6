package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// Clock returns the current time.
type Clock func() time.Time

// orderedSet keeps insertion order so pagination is stable between calls.
type orderedSet struct {
	keys  []string
	index map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]struct{})}
}

func (s *orderedSet) add(key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}
	s.keys = append(s.keys, key)
	return true
}

func (s *orderedSet) remove(key string) bool {
	if _, ok := s.index[key]; !ok {
		return false
	}
	delete(s.index, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

func (s *orderedSet) contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *orderedSet) page(offset, limit int) ([]string, bool) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) || limit <= 0 {
		return []string{}, false
	}
	end := min(offset+limit, len(s.keys))
	out := append([]string(nil), s.keys[offset:end]...)
	return out, end < len(s.keys)
}

// InMemoryRegistry is an authoritative registry held in process. It backs the mock
// registry server and tests, and is the only place the admin mutation entry points live.
type InMemoryRegistry struct {
	mu             sync.RWMutex
	markets        *orderedSet
	addresses      *orderedSet
	acc            *accumulator.Authority
	nullifications int
	reinstatements int
	lastUpdate     time.Time
	clock          Clock
}

// InMemoryOption configures an InMemoryRegistry.
type InMemoryOption func(*InMemoryRegistry)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) InMemoryOption {
	return func(r *InMemoryRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithAuthority attaches an accumulator authority; entries added afterwards are
// accumulated.
func WithAuthority(acc *accumulator.Authority) InMemoryOption {
	return func(r *InMemoryRegistry) {
		r.acc = acc
	}
}

// NewInMemoryRegistry creates an empty registry without accumulator parameters.
func NewInMemoryRegistry(opts ...InMemoryOption) *InMemoryRegistry {
	r := &InMemoryRegistry{
		markets:   newOrderedSet(),
		addresses: newOrderedSet(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// InitializeAccumulator sets up accumulator parameters and accumulates every entry
// already present.
func (r *InMemoryRegistry) InitializeAccumulator(modulus, generator *big.Int) error {
	acc, err := accumulator.NewAuthority(modulus, generator)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acc != nil {
		return fmt.Errorf("accumulator already initialized: %w", sentinel.ErrConflict)
	}
	r.acc = acc
	for _, key := range r.markets.keys {
		if p := primeFor(models.KindMarket, key); p != nil {
			acc.Add(p)
		}
	}
	for _, key := range r.addresses.keys {
		if p := primeFor(models.KindAddress, key); p != nil {
			acc.Add(p)
		}
	}
	return nil
}

// NullifiedMarkets implements ports.Registry.
func (r *InMemoryRegistry) NullifiedMarkets(_ context.Context, offset, limit int) ([]string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items, more := r.markets.page(offset, limit)
	return items, more, nil
}

// NullifiedAddresses implements ports.Registry.
func (r *InMemoryRegistry) NullifiedAddresses(_ context.Context, offset, limit int) ([]string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items, more := r.addresses.page(offset, limit)
	return items, more, nil
}

// IsMarketNullified implements ports.Registry.
func (r *InMemoryRegistry) IsMarketNullified(_ context.Context, hash string) (bool, error) {
	key, err := identity.NormalizeMarketHash(hash)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.markets.contains(key), nil
}

// IsAddressNullified implements ports.Registry.
func (r *InMemoryRegistry) IsAddressNullified(_ context.Context, address string) (bool, error) {
	key, err := identity.NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addresses.contains(key), nil
}

// AccumulatorParameters implements ports.Registry.
func (r *InMemoryRegistry) AccumulatorParameters(_ context.Context) (models.AccumulatorParameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.acc == nil {
		return models.AccumulatorParameters{}, nil
	}
	return r.acc.Parameters(), nil
}

// Stats implements ports.Registry.
func (r *InMemoryRegistry) Stats(_ context.Context) (models.RegistryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.RegistryStats{
		MarketCount:         len(r.markets.keys),
		AddressCount:        len(r.addresses.keys),
		TotalNullifications: r.nullifications,
		TotalReinstatements: r.reinstatements,
		LastUpdate:          r.lastUpdate,
	}, nil
}

// Witness implements ports.WitnessSource.
func (r *InMemoryRegistry) Witness(_ context.Context, prime *big.Int) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.acc == nil {
		return nil, fmt.Errorf("accumulator: %w", sentinel.ErrNotInitialized)
	}
	return r.acc.Witness(prime)
}

// NullifyMarket marks a market hash as nullified.
func (r *InMemoryRegistry) NullifyMarket(_ context.Context, hash string) error {
	return r.mutate(models.ActionNullify, models.KindMarket, hash)
}

// ReinstateMarket lifts a market's nullification.
func (r *InMemoryRegistry) ReinstateMarket(_ context.Context, hash string) error {
	return r.mutate(models.ActionReinstate, models.KindMarket, hash)
}

// NullifyAddress marks an address as nullified.
func (r *InMemoryRegistry) NullifyAddress(_ context.Context, address string) error {
	return r.mutate(models.ActionNullify, models.KindAddress, address)
}

// ReinstateAddress lifts an address's nullification.
func (r *InMemoryRegistry) ReinstateAddress(_ context.Context, address string) error {
	return r.mutate(models.ActionReinstate, models.KindAddress, address)
}

// Apply runs a batch of mutations and reports per-item outcomes. A failing item does
// not stop the rest of the batch.
func (r *InMemoryRegistry) Apply(_ context.Context, delta models.Delta) models.BatchResult {
	result := models.BatchResult{
		Action: delta.Action,
		Kind:   delta.Kind,
		Items:  make([]models.BatchItemResult, 0, len(delta.Keys)),
	}
	for _, key := range delta.Keys {
		item := models.BatchItemResult{Key: key, Success: true}
		if err := r.mutate(delta.Action, delta.Kind, key); err != nil {
			item.Success = false
			item.Reason = err.Error()
		} else if normalized, err := identity.NormalizeKey(delta.Kind, key); err == nil {
			item.Key = normalized
		}
		result.Items = append(result.Items, item)
	}
	return result
}

func (r *InMemoryRegistry) mutate(action models.DeltaAction, kind models.IdentityKind, raw string) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action %q: %w", action, sentinel.ErrInvalidState)
	}
	key, err := identity.NormalizeKey(kind, raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.markets
	if kind == models.KindAddress {
		set = r.addresses
	}
	prime := primeFor(kind, key)

	switch action {
	case models.ActionNullify:
		if !set.add(key) {
			return fmt.Errorf("%s %s already nullified: %w", kind, key, sentinel.ErrConflict)
		}
		if r.acc != nil && prime != nil {
			r.acc.Add(prime)
		}
		r.nullifications++
	case models.ActionReinstate:
		if !set.remove(key) {
			return fmt.Errorf("%s %s is not nullified: %w", kind, key, sentinel.ErrConflict)
		}
		if r.acc != nil && prime != nil {
			r.acc.Remove(prime)
		}
		r.reinstatements++
	}
	r.lastUpdate = r.clock()
	return nil
}

// primeFor derives the accumulator prime for a normalized key. Market hashes that are
// not 32 bytes have no prime and are tracked in the sets only.
func primeFor(kind models.IdentityKind, key string) *big.Int {
	switch kind {
	case models.KindMarket:
		raw, err := hex.DecodeString(key[2:])
		if err != nil || len(raw) != 32 {
			return nil
		}
		var hash [32]byte
		copy(hash[:], raw)
		return identity.HashToPrime(hash)
	case models.KindAddress:
		id, err := identity.AddressIdentity(key)
		if err != nil {
			return nil
		}
		return id.Prime
	}
	return nil
}
