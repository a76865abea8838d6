package mirror

import (
	"maps"
	"slices"
	"time"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/models"
)

// Snapshot is an immutable published view of the nullified sets. Readers hold on to a
// snapshot for as long as they like; the mirror only ever replaces it wholesale.
type Snapshot struct {
	markets    map[string]struct{}
	addresses  map[string]struct{}
	acc        *accumulator.Accumulator
	LastUpdate time.Time
	FromCache  bool
	Generation uint64
}

func newSnapshot(markets, addresses []string, acc *accumulator.Accumulator, at time.Time) *Snapshot {
	s := &Snapshot{
		markets:    make(map[string]struct{}, len(markets)),
		addresses:  make(map[string]struct{}, len(addresses)),
		acc:        acc,
		LastUpdate: at,
	}
	for _, k := range markets {
		s.markets[k] = struct{}{}
	}
	for _, k := range addresses {
		s.addresses[k] = struct{}{}
	}
	return s
}

// HasMarket reports whether a normalized market hash is nullified.
func (s *Snapshot) HasMarket(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.markets[key]
	return ok
}

// HasAddress reports whether a normalized address is nullified.
func (s *Snapshot) HasAddress(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.addresses[key]
	return ok
}

// MarketCount returns the number of nullified markets.
func (s *Snapshot) MarketCount() int {
	if s == nil {
		return 0
	}
	return len(s.markets)
}

// AddressCount returns the number of nullified addresses.
func (s *Snapshot) AddressCount() int {
	if s == nil {
		return 0
	}
	return len(s.addresses)
}

// Accumulator returns the mirrored accumulator, or nil when the registry has none or
// published invalid parameters.
func (s *Snapshot) Accumulator() *accumulator.Accumulator {
	if s == nil {
		return nil
	}
	return s.acc
}

// MarketKeys returns the nullified market hashes in sorted order.
func (s *Snapshot) MarketKeys() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.markets))
}

// AddressKeys returns the nullified addresses in sorted order.
func (s *Snapshot) AddressKeys() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.addresses))
}

// withDelta returns a copy with the delta applied. Keys must already be normalized.
func (s *Snapshot) withDelta(d models.Delta, at time.Time) *Snapshot {
	next := &Snapshot{
		markets:    maps.Clone(s.markets),
		addresses:  maps.Clone(s.addresses),
		acc:        s.acc,
		LastUpdate: at,
		FromCache:  s.FromCache,
		Generation: s.Generation + 1,
	}
	next.apply(d)
	return next
}

func (s *Snapshot) apply(d models.Delta) {
	set := s.markets
	if d.Kind == models.KindAddress {
		set = s.addresses
	}
	for _, k := range d.Keys {
		if d.Action == models.ActionNullify {
			set[k] = struct{}{}
		} else {
			delete(set, k)
		}
	}
}

// toEntry builds the cache entry for this snapshot. The entry shares nothing with the
// snapshot.
func (s *Snapshot) toEntry() *models.CacheEntry {
	entry := &models.CacheEntry{
		MarketHashes:  s.MarketKeys(),
		AddressHashes: s.AddressKeys(),
		Timestamp:     s.LastUpdate,
	}
	if s.acc != nil {
		entry.AccumulatorValue = s.acc.Value()
		entry.AccumulatorModulus = s.acc.Modulus()
		entry.AccumulatorGenerator = s.acc.Generator()
	}
	return entry
}
