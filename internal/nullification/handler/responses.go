package handler

import (
	"time"

	"nullifier/internal/nullification/models"
)

// CheckResponse answers a local or authoritative membership check.
type CheckResponse struct {
	Key       string `json:"key,omitempty"`
	Nullified bool   `json:"nullified"`
	Source    string `json:"source"`
}

const (
	sourceMirror   = "mirror"
	sourceRegistry = "registry"
	sourceWitness  = "witness"
)

// MarketsResponse is the body of POST /markets/filter.
type MarketsResponse struct {
	Markets []models.Market `json:"markets"`
}

// PartitionResponse is the body of POST /markets/partition.
type PartitionResponse struct {
	Active    []models.Market `json:"active"`
	Nullified []models.Market `json:"nullified"`
}

// WitnessResponse reports whether a witness proves membership.
type WitnessResponse struct {
	Valid bool `json:"valid"`
}

// StatsResponse is the local stats stamped with the time they were read.
type StatsResponse struct {
	models.Stats
	CheckedAt time.Time `json:"checkedAt"`
}

// AcceptedResponse acknowledges an admin delta.
type AcceptedResponse struct {
	Applied int `json:"applied"`
}
