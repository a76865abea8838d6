package models

import "time"

// MirrorState is the registry mirror's lifecycle state.
type MirrorState string

const (
	StateUninitialized MirrorState = "uninitialized"
	StateSyncing       MirrorState = "syncing"
	StateReady         MirrorState = "ready"
)

// EventType classifies mirror state-change notifications.
type EventType string

const (
	EventCacheLoaded   EventType = "cache_loaded"
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
	EventDeltaApplied  EventType = "delta_applied"
	EventCacheCleared  EventType = "cache_cleared"
)

// MirrorEvent is emitted whenever the mirror's published state changes or a sync
// attempt finishes.
type MirrorEvent struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	Registry       string      `json:"registry"`
	State          MirrorState `json:"state"`
	MarketCount    int         `json:"marketCount"`
	AddressCount   int         `json:"addressCount"`
	HasAccumulator bool        `json:"hasAccumulator"`
	FromCache      bool        `json:"fromCache"`
	SyncID         string      `json:"syncId,omitempty"`
	Error          string      `json:"error,omitempty"`
	At             time.Time   `json:"at"`
}

// Stats is the facade's staleness and size report.
type Stats struct {
	NullifiedMarketsCount   int         `json:"nullifiedMarketsCount"`
	NullifiedAddressesCount int         `json:"nullifiedAddressesCount"`
	LastUpdate              time.Time   `json:"lastUpdate"`
	CacheAgeMs              int64       `json:"cacheAgeMs"`
	IsStale                 bool        `json:"isStale"`
	HasAccumulator          bool        `json:"hasAccumulator"`
	FromCache               bool        `json:"fromCache"`
	State                   MirrorState `json:"state"`
}
