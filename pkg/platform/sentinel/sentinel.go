package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, registry clients and the mirror
// return these (optionally wrapped) so the facade can translate them into domain errors.
//
// These represent factual states, not validation failures:
// - ErrNotFound: no cache record for the key, or the record is older than the max age
// - ErrConflict: item is already in the requested state (nullified twice, reinstated while active)
// - ErrUnavailable: registry or store temporarily unreachable (circuit open, transport down)
// - ErrInvalidState: component used in a state that does not allow the operation
// - ErrNotInitialized: accumulator parameters have not been published by the registry yet
//
// Malformed input is reported with typed domain errors, not these sentinels.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrUnavailable    = errors.New("unavailable")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotInitialized = errors.New("not initialized")
)
