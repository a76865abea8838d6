package models

import (
	"math/big"
	"time"
)

// Market describes a prediction market. Only the descriptive fields that never change
// after creation take part in its identity; ID, Price and Volume are mutable state.
type Market struct {
	ID               string   `json:"id,omitempty"`
	Creator          string   `json:"creator"`
	Category         string   `json:"category"`
	Question         string   `json:"question"`
	ResolutionSource string   `json:"resolutionSource"`
	Outcomes         []string `json:"outcomes"`
	ResolutionTime   int64    `json:"resolutionTime"` // unix seconds

	Price  float64 `json:"price,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// AccumulatorParameters are the public accumulator values published by the registry.
// Initialized is false until the registry authority has set up its modulus.
type AccumulatorParameters struct {
	Modulus     *big.Int
	Generator   *big.Int
	Value       *big.Int
	Initialized bool
}

// RegistryStats mirrors the registry's own counters.
type RegistryStats struct {
	MarketCount         int       `json:"marketCount"`
	AddressCount        int       `json:"addressCount"`
	TotalNullifications int       `json:"totalNullifications"`
	TotalReinstatements int       `json:"totalReinstatements"`
	LastUpdate          time.Time `json:"lastUpdate"`
}

// DeltaAction is the kind of administrative change being mirrored locally.
type DeltaAction string

const (
	ActionNullify   DeltaAction = "nullify"
	ActionReinstate DeltaAction = "reinstate"
)

// Valid reports whether the action is one we know how to apply.
func (a DeltaAction) Valid() bool {
	return a == ActionNullify || a == ActionReinstate
}

// IdentityKind separates the market and address sets.
type IdentityKind string

const (
	KindMarket  IdentityKind = "market"
	KindAddress IdentityKind = "address"
)

// Valid reports whether the kind names one of the mirrored sets.
func (k IdentityKind) Valid() bool {
	return k == KindMarket || k == KindAddress
}

// Delta is the result of a confirmed administrative transaction: the keys (market
// hashes or addresses) that were nullified or reinstated.
type Delta struct {
	Action DeltaAction  `json:"action"`
	Kind   IdentityKind `json:"kind"`
	Keys   []string     `json:"keys"`
}

// BatchItemResult is the per-item outcome of a batch administrative call.
type BatchItemResult struct {
	Key     string `json:"key"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// BatchResult is what a batch nullify/reinstate call reports back.
type BatchResult struct {
	Action DeltaAction       `json:"action"`
	Kind   IdentityKind      `json:"kind"`
	Items  []BatchItemResult `json:"items"`
}

// Succeeded returns the delta made of the items the registry accepted.
func (b BatchResult) Succeeded() Delta {
	keys := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		if item.Success {
			keys = append(keys, item.Key)
		}
	}
	return Delta{Action: b.Action, Kind: b.Kind, Keys: keys}
}
