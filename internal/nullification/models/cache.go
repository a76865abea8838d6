package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// CacheEntry is a persisted snapshot of the mirror, self-consistent as of Timestamp.
// The accumulator fields are optional; modulus and generator are kept alongside the
// value so a cold start can verify witnesses without a registry round trip.
type CacheEntry struct {
	MarketHashes         []string
	AddressHashes        []string
	AccumulatorValue     *big.Int
	AccumulatorModulus   *big.Int
	AccumulatorGenerator *big.Int
	Timestamp            time.Time
}

// Clone returns a deep copy so stores never share memory with the live mirror.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	return &CacheEntry{
		MarketHashes:         append([]string(nil), e.MarketHashes...),
		AddressHashes:        append([]string(nil), e.AddressHashes...),
		AccumulatorValue:     cloneInt(e.AccumulatorValue),
		AccumulatorModulus:   cloneInt(e.AccumulatorModulus),
		AccumulatorGenerator: cloneInt(e.AccumulatorGenerator),
		Timestamp:            e.Timestamp,
	}
}

// Age returns how old the entry is at now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// FreshAt is the load-time staleness gate: the entry is served only while
// now - timestamp <= maxAge.
func (e *CacheEntry) FreshAt(now time.Time, maxAge time.Duration) bool {
	return e.Age(now) <= maxAge
}

// CacheRecord is the on-disk/on-wire layout of a cache entry. Integers are decimal
// strings to avoid precision loss in JSON consumers; timestamp is unix milliseconds.
type CacheRecord struct {
	MarketHashes         []string `json:"marketHashes"`
	AddressHashes        []string `json:"addressHashes"`
	AccumulatorValue     *string  `json:"accumulatorValue"`
	AccumulatorModulus   *string  `json:"accumulatorModulus,omitempty"`
	AccumulatorGenerator *string  `json:"accumulatorGenerator,omitempty"`
	Timestamp            int64    `json:"timestamp"`
}

// ToRecord converts an entry into its persisted layout.
func (e *CacheEntry) ToRecord() CacheRecord {
	markets := e.MarketHashes
	if markets == nil {
		markets = []string{}
	}
	addresses := e.AddressHashes
	if addresses == nil {
		addresses = []string{}
	}
	return CacheRecord{
		MarketHashes:         append([]string(nil), markets...),
		AddressHashes:        append([]string(nil), addresses...),
		AccumulatorValue:     decimal(e.AccumulatorValue),
		AccumulatorModulus:   decimal(e.AccumulatorModulus),
		AccumulatorGenerator: decimal(e.AccumulatorGenerator),
		Timestamp:            e.Timestamp.UnixMilli(),
	}
}

// ToEntry parses a persisted record back into an entry.
func (r CacheRecord) ToEntry() (*CacheEntry, error) {
	value, err := parseDecimal("accumulatorValue", r.AccumulatorValue)
	if err != nil {
		return nil, err
	}
	modulus, err := parseDecimal("accumulatorModulus", r.AccumulatorModulus)
	if err != nil {
		return nil, err
	}
	generator, err := parseDecimal("accumulatorGenerator", r.AccumulatorGenerator)
	if err != nil {
		return nil, err
	}
	return &CacheEntry{
		MarketHashes:         append([]string(nil), r.MarketHashes...),
		AddressHashes:        append([]string(nil), r.AddressHashes...),
		AccumulatorValue:     value,
		AccumulatorModulus:   modulus,
		AccumulatorGenerator: generator,
		Timestamp:            time.UnixMilli(r.Timestamp),
	}, nil
}

// EncodeCacheEntry serializes an entry to its JSON record.
func EncodeCacheEntry(e *CacheEntry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cache entry is required")
	}
	return json.Marshal(e.ToRecord())
}

// DecodeCacheEntry parses a JSON record produced by EncodeCacheEntry.
func DecodeCacheEntry(data []byte) (*CacheEntry, error) {
	var record CacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}
	return record.ToEntry()
}

func decimal(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseDecimal(field string, s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("decode cache record: %s is not a decimal integer", field)
	}
	return v, nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
