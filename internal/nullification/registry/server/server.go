// Package server exposes an in-memory authoritative registry over the registry HTTP API.
// It backs cmd/mockregistry and the HTTP client tests.
package server

import (
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"nullifier/internal/nullification/httperr"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/registry"
	"nullifier/pkg/platform/httputil"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Handler serves the registry API from an InMemoryRegistry.
type Handler struct {
	registry *registry.InMemoryRegistry
	logger   *slog.Logger
}

// New constructs a registry API handler.
func New(reg *registry.InMemoryRegistry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: reg, logger: logger}
}

// Register mounts the read API on the router. Admin routes are mounted separately with
// RegisterAdmin so callers can wrap them in authentication.
func (h *Handler) Register(r chi.Router) {
	r.Get(registry.PathMarkets, h.HandleListMarkets)
	r.Get(registry.PathMarkets+"/{hash}", h.HandleMarket)
	r.Get(registry.PathAddresses, h.HandleListAddresses)
	r.Get(registry.PathAddresses+"/{address}", h.HandleAddress)
	r.Get(registry.PathAccumulator, h.HandleAccumulator)
	r.Get(registry.PathStats, h.HandleStats)
	r.Post(registry.PathWitness, h.HandleWitness)
}

// RegisterAdmin mounts the mutation API.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post(registry.PathAdmin+"/{action}/{kind}", h.HandleMutation)
}

// HandleListMarkets handles GET /v1/registry/markets.
func (h *Handler) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, more, err := h.registry.NullifiedMarkets(r.Context(), offset, limit)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.PageResponse{Items: items, HasMore: more})
}

// HandleListAddresses handles GET /v1/registry/addresses.
func (h *Handler) HandleListAddresses(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, more, err := h.registry.NullifiedAddresses(r.Context(), offset, limit)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.PageResponse{Items: items, HasMore: more})
}

// HandleMarket handles GET /v1/registry/markets/{hash}.
func (h *Handler) HandleMarket(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	nullified, err := h.registry.IsMarketNullified(r.Context(), hash)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.MembershipResponse{Key: hash, Nullified: nullified})
}

// HandleAddress handles GET /v1/registry/addresses/{address}.
func (h *Handler) HandleAddress(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	nullified, err := h.registry.IsAddressNullified(r.Context(), address)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.MembershipResponse{Key: address, Nullified: nullified})
}

// HandleAccumulator handles GET /v1/registry/accumulator.
func (h *Handler) HandleAccumulator(w http.ResponseWriter, r *http.Request) {
	params, err := h.registry.AccumulatorParameters(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.FromAccumulatorParameters(params))
}

// HandleStats handles GET /v1/registry/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.FromRegistryStats(stats))
}

// HandleWitness handles POST /v1/registry/witness.
func (h *Handler) HandleWitness(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[registry.WitnessRequest](w, r, h.logger)
	if !ok {
		return
	}
	prime, ok := new(big.Int).SetString(req.Prime, 10)
	if !ok {
		httputil.WriteError(w, httputil.New(httputil.CodeBadRequest, "prime must be a decimal integer"))
		return
	}
	witness, err := h.registry.Witness(r.Context(), prime)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registry.WitnessResponse{Witness: witness.String()})
}

// HandleMutation handles POST /v1/registry/admin/{action}/{kind}. Items are applied
// independently and reported in a batch result.
func (h *Handler) HandleMutation(w http.ResponseWriter, r *http.Request) {
	action := models.DeltaAction(chi.URLParam(r, "action"))
	kind := models.IdentityKind(chi.URLParam(r, "kind"))
	if !action.Valid() || !kind.Valid() {
		httputil.WriteError(w, httputil.New(httputil.CodeNotFound, "unknown mutation"))
		return
	}
	req, ok := httputil.DecodeJSON[registry.BatchRequest](w, r, h.logger)
	if !ok {
		return
	}
	if len(req.Keys) == 0 {
		httputil.WriteError(w, httputil.New(httputil.CodeBadRequest, "keys are required"))
		return
	}

	result := h.registry.Apply(r.Context(), models.Delta{Action: action, Kind: kind, Keys: req.Keys})
	h.logger.InfoContext(r.Context(), "registry mutation applied",
		"action", action,
		"kind", kind,
		"requested", len(req.Keys),
		"succeeded", len(result.Succeeded().Keys),
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		httputil.WriteError(w, httputil.New(httputil.CodeBadRequest, "offset must be a non-negative integer"))
		return 0, 0, false
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit <= 0 || limit > maxLimit {
		httputil.WriteError(w, httputil.New(httputil.CodeBadRequest, "limit must be between 1 and 1000"))
		return 0, 0, false
	}
	return offset, limit, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
