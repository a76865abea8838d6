// Package handler exposes the nullification facade over HTTP.
package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"nullifier/internal/nullification/httperr"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/httputil"
	"nullifier/pkg/platform/middleware/admin"
)

// Service is the facade surface the handler needs.
type Service interface {
	CheckMarketNullified(m models.Market) bool
	CheckMarketHashNullified(hash string) bool
	CheckAddressNullified(addr string) bool
	VerifyMarketNullifiedOnChain(ctx context.Context, m models.Market) (bool, error)
	VerifyMarketHashNullifiedOnChain(ctx context.Context, hash string) (bool, error)
	VerifyAddressNullifiedOnChain(ctx context.Context, addr string) (bool, error)
	VerifyMarketWitness(m models.Market, witness *big.Int) (bool, error)
	VerifyAddressWitness(addr string, witness *big.Int) (bool, error)
	ProveMarketNullified(ctx context.Context, m models.Market) (bool, error)
	ProveAddressNullified(ctx context.Context, addr string) (bool, error)
	PartitionMarkets(ms []models.Market) (active, nullified []models.Market)
	FilterMarkets(ms []models.Market) []models.Market
	Refresh(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
	Stats() models.Stats
	RegistryStats(ctx context.Context) (models.RegistryStats, error)
	ApplyDelta(ctx context.Context, delta models.Delta) error
	ApplyBatchResult(ctx context.Context, result models.BatchResult) error
}

type validatable interface {
	Validate() error
}

// Handler wires nullification endpoints to the facade.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a handler.
func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the query endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/nullification", func(r chi.Router) {
		r.Get("/markets/{hash}", h.HandleMarketHash)
		r.Get("/markets/{hash}/verify", h.HandleVerifyMarketHash)
		r.Post("/markets/check", h.HandleCheckMarket)
		r.Post("/markets/verify", h.HandleVerifyMarket)
		r.Post("/markets/prove", h.HandleProveMarket)
		r.Post("/markets/filter", h.HandleFilter)
		r.Post("/markets/partition", h.HandlePartition)
		r.Get("/addresses/{address}", h.HandleAddress)
		r.Get("/addresses/{address}/verify", h.HandleVerifyAddress)
		r.Get("/addresses/{address}/prove", h.HandleProveAddress)
		r.Post("/witness/verify", h.HandleVerifyWitness)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/stats", h.HandleStats)
		r.Get("/registry/stats", h.HandleRegistryStats)
	})
}

// RegisterAdmin mounts the delta endpoints behind the admin token check.
func (h *Handler) RegisterAdmin(r chi.Router, tokens *admin.Tokens) {
	r.Route("/v1/admin/nullification", func(r chi.Router) {
		r.Use(admin.RequireAdmin(tokens, h.logger))
		r.Post("/delta", h.HandleDelta)
		r.Post("/batch", h.HandleBatch)
	})
}

// =============================================================================
// Local checks
// =============================================================================

// HandleMarketHash handles GET /v1/nullification/markets/{hash}.
func (h *Handler) HandleMarketHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{
		Key:       hash,
		Nullified: h.service.CheckMarketHashNullified(hash),
		Source:    sourceMirror,
	})
}

// HandleCheckMarket handles POST /v1/nullification/markets/check.
func (h *Handler) HandleCheckMarket(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[MarketRequest](w, r, h.logger)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{
		Nullified: h.service.CheckMarketNullified(req.Market),
		Source:    sourceMirror,
	})
}

// HandleAddress handles GET /v1/nullification/addresses/{address}.
func (h *Handler) HandleAddress(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{
		Key:       addr,
		Nullified: h.service.CheckAddressNullified(addr),
		Source:    sourceMirror,
	})
}

// HandleFilter handles POST /v1/nullification/markets/filter.
func (h *Handler) HandleFilter(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[MarketsRequest](w, r, h.logger)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MarketsResponse{Markets: h.service.FilterMarkets(req.Markets)})
}

// HandlePartition handles POST /v1/nullification/markets/partition.
func (h *Handler) HandlePartition(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[MarketsRequest](w, r, h.logger)
	if !ok {
		return
	}
	active, nullified := h.service.PartitionMarkets(req.Markets)
	httputil.WriteJSON(w, http.StatusOK, PartitionResponse{Active: active, Nullified: nullified})
}

// =============================================================================
// Authoritative checks
// =============================================================================

// HandleVerifyMarket handles POST /v1/nullification/markets/verify.
func (h *Handler) HandleVerifyMarket(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[MarketRequest](w, r, h.logger)
	if !ok {
		return
	}
	nullified, err := h.service.VerifyMarketNullifiedOnChain(r.Context(), req.Market)
	h.writeCheck(w, r, "", nullified, sourceRegistry, err)
}

// HandleVerifyMarketHash handles GET /v1/nullification/markets/{hash}/verify.
func (h *Handler) HandleVerifyMarketHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	nullified, err := h.service.VerifyMarketHashNullifiedOnChain(r.Context(), hash)
	h.writeCheck(w, r, hash, nullified, sourceRegistry, err)
}

// HandleVerifyAddress handles GET /v1/nullification/addresses/{address}/verify.
func (h *Handler) HandleVerifyAddress(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	nullified, err := h.service.VerifyAddressNullifiedOnChain(r.Context(), addr)
	h.writeCheck(w, r, addr, nullified, sourceRegistry, err)
}

// HandleProveMarket handles POST /v1/nullification/markets/prove.
func (h *Handler) HandleProveMarket(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[MarketRequest](w, r, h.logger)
	if !ok {
		return
	}
	nullified, err := h.service.ProveMarketNullified(r.Context(), req.Market)
	h.writeCheck(w, r, "", nullified, sourceWitness, err)
}

// HandleProveAddress handles GET /v1/nullification/addresses/{address}/prove.
func (h *Handler) HandleProveAddress(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	nullified, err := h.service.ProveAddressNullified(r.Context(), addr)
	h.writeCheck(w, r, addr, nullified, sourceWitness, err)
}

// HandleVerifyWitness handles POST /v1/nullification/witness/verify.
func (h *Handler) HandleVerifyWitness(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[WitnessRequest](w, r, h.logger)
	if !ok {
		return
	}
	var (
		valid bool
		err   error
	)
	if req.Market != nil {
		valid, err = h.service.VerifyMarketWitness(*req.Market, req.parsedWitness)
	} else {
		valid, err = h.service.VerifyAddressWitness(req.Address, req.parsedWitness)
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, WitnessResponse{Valid: valid})
}

func (h *Handler) writeCheck(w http.ResponseWriter, r *http.Request, key string, nullified bool, source string, err error) {
	if err != nil {
		h.logger.WarnContext(r.Context(), "nullification check failed",
			"path", r.URL.Path,
			"source", source,
			"error", err,
		)
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{Key: key, Nullified: nullified, Source: source})
}

// =============================================================================
// Refresh and stats
// =============================================================================

// HandleRefresh handles POST /v1/nullification/refresh[?force=true].
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	start := time.Now()

	var err error
	if force {
		err = h.service.ForceRefresh(ctx)
	} else {
		err = h.service.Refresh(ctx)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "refresh failed", "force", force, "error", err)
		httperr.Write(w, err)
		return
	}
	h.logger.InfoContext(ctx, "refresh completed",
		"force", force,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.writeStats(w)
}

// HandleStats handles GET /v1/nullification/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeStats(w)
}

func (h *Handler) writeStats(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusOK, StatsResponse{Stats: h.service.Stats(), CheckedAt: time.Now().UTC()})
}

// HandleRegistryStats handles GET /v1/nullification/registry/stats.
func (h *Handler) HandleRegistryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.RegistryStats(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Admin
// =============================================================================

// HandleDelta handles POST /v1/admin/nullification/delta.
func (h *Handler) HandleDelta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[DeltaRequest](w, r, h.logger)
	if !ok {
		return
	}
	delta := req.ToDelta()
	if err := h.service.ApplyDelta(ctx, delta); err != nil {
		httperr.Write(w, err)
		return
	}
	h.logger.InfoContext(ctx, "admin delta accepted",
		"admin", admin.Subject(ctx),
		"action", delta.Action,
		"kind", delta.Kind,
		"keys", len(delta.Keys),
	)
	httputil.WriteJSON(w, http.StatusAccepted, AcceptedResponse{Applied: len(delta.Keys)})
}

// HandleBatch handles POST /v1/admin/nullification/batch.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[BatchRequest](w, r, h.logger)
	if !ok {
		return
	}
	result := req.ToBatchResult()
	if err := h.service.ApplyBatchResult(ctx, result); err != nil {
		httperr.Write(w, err)
		return
	}
	applied := len(result.Succeeded().Keys)
	h.logger.InfoContext(ctx, "admin batch accepted",
		"admin", admin.Subject(ctx),
		"action", result.Action,
		"kind", result.Kind,
		"applied", applied,
		"items", len(result.Items),
	)
	httputil.WriteJSON(w, http.StatusAccepted, AcceptedResponse{Applied: applied})
}

// decode reads and validates a request body. PT lets Validate use a pointer receiver.
func decode[T any, PT interface {
	*T
	validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	req, ok := httputil.DecodeJSON[T](w, r, logger)
	if !ok {
		return nil, false
	}
	if err := PT(&req).Validate(); err != nil {
		httperr.Write(w, err)
		return nil, false
	}
	return &req, true
}
