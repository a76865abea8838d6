package handler

import (
	"math/big"
	"strings"

	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/httputil"
)

// maxFilterMarkets bounds filter and partition request bodies.
const maxFilterMarkets = 1000

// MarketRequest is the body of the single-market endpoints.
type MarketRequest struct {
	Market models.Market `json:"market"`
}

// MarketsRequest is the body of POST /markets/filter and /markets/partition.
type MarketsRequest struct {
	Markets []models.Market `json:"markets"`
}

// Validate bounds the batch size.
func (r *MarketsRequest) Validate() error {
	if len(r.Markets) > maxFilterMarkets {
		return httputil.New(httputil.CodeBadRequest, "at most 1000 markets per request")
	}
	return nil
}

// WitnessRequest carries a membership witness as a decimal string. Exactly one of
// Market and Address is set.
type WitnessRequest struct {
	Market  *models.Market `json:"market,omitempty"`
	Address string         `json:"address,omitempty"`
	Witness string         `json:"witness"`

	parsedWitness *big.Int
}

// Validate checks the subject and parses the witness.
func (r *WitnessRequest) Validate() error {
	r.Address = strings.TrimSpace(r.Address)
	if (r.Market == nil) == (r.Address == "") {
		return httputil.New(httputil.CodeBadRequest, "exactly one of market and address is required")
	}
	w, ok := new(big.Int).SetString(strings.TrimSpace(r.Witness), 10)
	if !ok || w.Sign() <= 0 {
		return httputil.New(httputil.CodeBadRequest, "witness must be a positive decimal integer")
	}
	r.parsedWitness = w
	return nil
}

// DeltaRequest is the body of POST /v1/admin/nullification/delta.
type DeltaRequest struct {
	Action string   `json:"action"`
	Kind   string   `json:"kind"`
	Keys   []string `json:"keys"`
}

func validateActionKind(action, kind string) error {
	if !models.DeltaAction(action).Valid() {
		return httputil.New(httputil.CodeBadRequest, "action must be nullify or reinstate")
	}
	if !models.IdentityKind(kind).Valid() {
		return httputil.New(httputil.CodeBadRequest, "kind must be market or address")
	}
	return nil
}

// Validate checks the action and kind. Keys are validated by the mirror.
func (r *DeltaRequest) Validate() error {
	if err := validateActionKind(r.Action, r.Kind); err != nil {
		return err
	}
	if len(r.Keys) == 0 {
		return httputil.New(httputil.CodeBadRequest, "keys are required")
	}
	return nil
}

// ToDelta converts a validated request.
func (r *DeltaRequest) ToDelta() models.Delta {
	return models.Delta{
		Action: models.DeltaAction(r.Action),
		Kind:   models.IdentityKind(r.Kind),
		Keys:   r.Keys,
	}
}

// BatchRequest is the body of POST /v1/admin/nullification/batch: the per-item outcome
// of a batch administrative call.
type BatchRequest struct {
	Action string                   `json:"action"`
	Kind   string                   `json:"kind"`
	Items  []models.BatchItemResult `json:"items"`
}

// Validate checks the action and kind.
func (r *BatchRequest) Validate() error {
	if err := validateActionKind(r.Action, r.Kind); err != nil {
		return err
	}
	if len(r.Items) == 0 {
		return httputil.New(httputil.CodeBadRequest, "items are required")
	}
	return nil
}

// ToBatchResult converts a validated request.
func (r *BatchRequest) ToBatchResult() models.BatchResult {
	return models.BatchResult{
		Action: models.DeltaAction(r.Action),
		Kind:   models.IdentityKind(r.Kind),
		Items:  r.Items,
	}
}
