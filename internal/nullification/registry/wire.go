package registry

import (
	"fmt"
	"math/big"
	"time"

	"nullifier/internal/nullification/models"
)

// Registry HTTP API paths, shared by the mock server and the resty client.
const (
	PathMarkets     = "/v1/registry/markets"
	PathAddresses   = "/v1/registry/addresses"
	PathAccumulator = "/v1/registry/accumulator"
	PathStats       = "/v1/registry/stats"
	PathWitness     = "/v1/registry/witness"
	PathAdmin       = "/v1/registry/admin"
)

// PageResponse is one page of a nullified-set walk.
type PageResponse struct {
	Items   []string `json:"items"`
	HasMore bool     `json:"hasMore"`
}

// MembershipResponse answers a single-item check.
type MembershipResponse struct {
	Key       string `json:"key"`
	Nullified bool   `json:"nullified"`
}

// AccumulatorResponse carries accumulator parameters as decimal strings.
type AccumulatorResponse struct {
	Initialized bool   `json:"initialized"`
	Modulus     string `json:"modulus,omitempty"`
	Generator   string `json:"generator,omitempty"`
	Value       string `json:"value,omitempty"`
}

// StatsResponse mirrors models.RegistryStats with a unix-millisecond timestamp.
type StatsResponse struct {
	MarketCount         int   `json:"marketCount"`
	AddressCount        int   `json:"addressCount"`
	TotalNullifications int   `json:"totalNullifications"`
	TotalReinstatements int   `json:"totalReinstatements"`
	LastUpdate          int64 `json:"lastUpdate"`
}

// WitnessRequest asks for the membership witness of a prime.
type WitnessRequest struct {
	Prime string `json:"prime"`
}

// WitnessResponse carries a witness as a decimal string.
type WitnessResponse struct {
	Witness string `json:"witness"`
}

// BatchRequest is the body of an admin mutation call.
type BatchRequest struct {
	Keys []string `json:"keys"`
}

// ErrorResponse is the error body written by the mock server.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// FromAccumulatorParameters converts domain parameters to the wire layout.
func FromAccumulatorParameters(p models.AccumulatorParameters) AccumulatorResponse {
	if !p.Initialized {
		return AccumulatorResponse{}
	}
	return AccumulatorResponse{
		Initialized: true,
		Modulus:     p.Modulus.String(),
		Generator:   p.Generator.String(),
		Value:       p.Value.String(),
	}
}

// ToModel parses the wire layout. Malformed integers are reported as errors.
func (r AccumulatorResponse) ToModel() (models.AccumulatorParameters, error) {
	if !r.Initialized {
		return models.AccumulatorParameters{}, nil
	}
	modulus, err := parseBig("modulus", r.Modulus)
	if err != nil {
		return models.AccumulatorParameters{}, err
	}
	generator, err := parseBig("generator", r.Generator)
	if err != nil {
		return models.AccumulatorParameters{}, err
	}
	value, err := parseBig("value", r.Value)
	if err != nil {
		return models.AccumulatorParameters{}, err
	}
	return models.AccumulatorParameters{
		Modulus:     modulus,
		Generator:   generator,
		Value:       value,
		Initialized: true,
	}, nil
}

// FromRegistryStats converts domain stats to the wire layout.
func FromRegistryStats(s models.RegistryStats) StatsResponse {
	resp := StatsResponse{
		MarketCount:         s.MarketCount,
		AddressCount:        s.AddressCount,
		TotalNullifications: s.TotalNullifications,
		TotalReinstatements: s.TotalReinstatements,
	}
	if !s.LastUpdate.IsZero() {
		resp.LastUpdate = s.LastUpdate.UnixMilli()
	}
	return resp
}

// ToModel converts the wire layout to domain stats.
func (s StatsResponse) ToModel() models.RegistryStats {
	stats := models.RegistryStats{
		MarketCount:         s.MarketCount,
		AddressCount:        s.AddressCount,
		TotalNullifications: s.TotalNullifications,
		TotalReinstatements: s.TotalReinstatements,
	}
	if s.LastUpdate > 0 {
		stats.LastUpdate = time.UnixMilli(s.LastUpdate).UTC()
	}
	return stats
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: not a decimal integer", field)
	}
	return v, nil
}
