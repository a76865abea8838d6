// Package service is the query facade over the registry mirror. Local checks read the
// last published snapshot and never block; on-chain checks go to the registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/mirror"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/ports"
	"nullifier/pkg/platform/sentinel"
)

const (
	outcomeNullified = "nullified"
	outcomeActive    = "active"
	outcomeFailOpen  = "fail_open"
)

// Service answers nullification queries for one registry deployment.
type Service struct {
	mirror    *mirror.Mirror
	registry  ports.Registry
	witnesses ports.WitnessSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer overrides the tracer used for registry round trips.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithWitnessSource sets where membership witnesses come from. By default the registry
// is used when it implements ports.WitnessSource.
func WithWitnessSource(ws ports.WitnessSource) Option {
	return func(s *Service) {
		s.witnesses = ws
	}
}

// WithClock overrides the time source used for staleness.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds the facade over a mirror and the registry it mirrors.
func New(m *mirror.Mirror, registry ports.Registry, opts ...Option) (*Service, error) {
	if m == nil {
		return nil, errors.New("mirror is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	s := &Service{
		mirror:   m,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("nullifier/service"),
		clock:    time.Now,
	}
	if ws, ok := registry.(ports.WitnessSource); ok {
		s.witnesses = ws
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Initialize loads the mirror from cache or syncs it.
func (s *Service) Initialize(ctx context.Context) error {
	return s.mirror.Initialize(ctx)
}

// Subscribe forwards to the mirror's event stream.
func (s *Service) Subscribe() (<-chan models.MirrorEvent, func()) {
	return s.mirror.Subscribe()
}

// =============================================================================
// Local checks
// =============================================================================

// CheckMarketNullified reports whether the market is in the mirrored set. Unmappable
// markets and an empty mirror count as not nullified.
func (s *Service) CheckMarketNullified(m models.Market) bool {
	id, err := identity.MarketIdentity(m)
	if err != nil {
		s.failOpen(models.KindMarket, err)
		return false
	}
	return s.checkLocal(models.KindMarket, s.mirror.Snapshot(), id.Key())
}

// CheckMarketHashNullified checks a market hash that was computed elsewhere.
func (s *Service) CheckMarketHashNullified(hash string) bool {
	key, err := identity.NormalizeMarketHash(hash)
	if err != nil {
		s.failOpen(models.KindMarket, err)
		return false
	}
	return s.checkLocal(models.KindMarket, s.mirror.Snapshot(), key)
}

// CheckAddressNullified reports whether the address is in the mirrored set.
func (s *Service) CheckAddressNullified(addr string) bool {
	key, err := identity.NormalizeAddress(addr)
	if err != nil {
		s.failOpen(models.KindAddress, err)
		return false
	}
	return s.checkLocal(models.KindAddress, s.mirror.Snapshot(), key)
}

func (s *Service) checkLocal(kind models.IdentityKind, snap *mirror.Snapshot, key string) bool {
	var hit bool
	switch kind {
	case models.KindMarket:
		hit = snap.HasMarket(key)
	case models.KindAddress:
		hit = snap.HasAddress(key)
	}
	outcome := outcomeActive
	if hit {
		outcome = outcomeNullified
	}
	s.metrics.IncrementLocalCheck(string(kind), outcome)
	return hit
}

func (s *Service) failOpen(kind models.IdentityKind, err error) {
	s.metrics.IncrementLocalCheck(string(kind), outcomeFailOpen)
	s.logger.Debug("local check failed open", "kind", kind, "error", err)
}

// FilterMarkets drops nullified markets from ms, keeping order. Markets that cannot be
// mapped are kept.
func (s *Service) FilterMarkets(ms []models.Market) []models.Market {
	active, _ := s.PartitionMarkets(ms)
	return active
}

// PartitionMarkets splits ms into active and nullified against one snapshot.
func (s *Service) PartitionMarkets(ms []models.Market) (active, nullified []models.Market) {
	snap := s.mirror.Snapshot()
	active = make([]models.Market, 0, len(ms))
	nullified = make([]models.Market, 0)
	for _, m := range ms {
		id, err := identity.MarketIdentity(m)
		if err != nil {
			s.failOpen(models.KindMarket, err)
			active = append(active, m)
			continue
		}
		if s.checkLocal(models.KindMarket, snap, id.Key()) {
			nullified = append(nullified, m)
			continue
		}
		active = append(active, m)
	}
	return active, nullified
}

// =============================================================================
// Authoritative checks
// =============================================================================

// VerifyMarketNullifiedOnChain asks the registry directly. A registry failure is
// returned as a verification error, never as "not nullified".
func (s *Service) VerifyMarketNullifiedOnChain(ctx context.Context, m models.Market) (bool, error) {
	id, err := identity.MarketIdentity(m)
	if err != nil {
		return false, err
	}
	return s.verifyOnChain(ctx, models.KindMarket, id.Key(), s.registry.IsMarketNullified)
}

// VerifyMarketHashNullifiedOnChain is VerifyMarketNullifiedOnChain for a precomputed hash.
func (s *Service) VerifyMarketHashNullifiedOnChain(ctx context.Context, hash string) (bool, error) {
	key, err := identity.NormalizeMarketHash(hash)
	if err != nil {
		return false, err
	}
	return s.verifyOnChain(ctx, models.KindMarket, key, s.registry.IsMarketNullified)
}

// VerifyAddressNullifiedOnChain asks the registry directly about an address.
func (s *Service) VerifyAddressNullifiedOnChain(ctx context.Context, addr string) (bool, error) {
	key, err := identity.NormalizeAddress(addr)
	if err != nil {
		return false, err
	}
	return s.verifyOnChain(ctx, models.KindAddress, key, s.registry.IsAddressNullified)
}

func (s *Service) verifyOnChain(
	ctx context.Context,
	kind models.IdentityKind,
	key string,
	check func(context.Context, string) (bool, error),
) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "nullification.verify_on_chain",
		trace.WithAttributes(
			attribute.String("nullifier.kind", string(kind)),
			attribute.String("nullifier.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	ok, err := check(ctx, key)
	s.metrics.ObserveVerify(string(kind), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry check failed")
		s.logger.WarnContext(ctx, "on-chain check failed", "kind", kind, "key", key, "error", err)
		return false, models.VerificationError("verify_"+string(kind), "registry check failed", err)
	}
	span.SetAttributes(attribute.Bool("nullifier.nullified", ok))
	return ok, nil
}

// =============================================================================
// Witness checks
// =============================================================================

// VerifyMarketWitness checks a membership witness for m against the mirrored accumulator.
func (s *Service) VerifyMarketWitness(m models.Market, witness *big.Int) (bool, error) {
	id, err := identity.MarketIdentity(m)
	if err != nil {
		return false, err
	}
	return s.verifyWitness(id, witness)
}

// VerifyAddressWitness checks a membership witness for addr.
func (s *Service) VerifyAddressWitness(addr string, witness *big.Int) (bool, error) {
	id, err := identity.AddressIdentity(addr)
	if err != nil {
		return false, err
	}
	return s.verifyWitness(id, witness)
}

func (s *Service) verifyWitness(id identity.Identity, witness *big.Int) (bool, error) {
	acc := s.mirror.Snapshot().Accumulator()
	if acc == nil {
		return false, models.ErrAccumulatorUnavailable
	}
	if witness == nil {
		return false, models.InvalidParameterError("verify_witness", "witness is required")
	}
	return acc.VerifyMembership(witness, id.Prime), nil
}

// ProveMarketNullified fetches a witness for m from the registry and verifies it
// locally. A registry with no witness for m means m is not nullified.
func (s *Service) ProveMarketNullified(ctx context.Context, m models.Market) (bool, error) {
	id, err := identity.MarketIdentity(m)
	if err != nil {
		return false, err
	}
	return s.prove(ctx, models.KindMarket, id)
}

// ProveAddressNullified is ProveMarketNullified for an address.
func (s *Service) ProveAddressNullified(ctx context.Context, addr string) (bool, error) {
	id, err := identity.AddressIdentity(addr)
	if err != nil {
		return false, err
	}
	return s.prove(ctx, models.KindAddress, id)
}

func (s *Service) prove(ctx context.Context, kind models.IdentityKind, id identity.Identity) (bool, error) {
	if s.witnesses == nil {
		return false, fmt.Errorf("registry serves no witnesses: %w", models.ErrAccumulatorUnavailable)
	}
	if s.mirror.Snapshot().Accumulator() == nil {
		return false, models.ErrAccumulatorUnavailable
	}

	ctx, span := s.tracer.Start(ctx, "nullification.prove",
		trace.WithAttributes(attribute.String("nullifier.kind", string(kind))),
	)
	defer span.End()

	witness, err := s.witnesses.Witness(ctx, id.Prime)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "witness fetch failed")
		return false, models.VerificationError("prove_"+string(kind), "witness fetch failed", err)
	}
	return s.verifyWitness(id, witness)
}

// =============================================================================
// Refresh, deltas and stats
// =============================================================================

// Refresh runs a full sync, sharing any sync already in flight.
func (s *Service) Refresh(ctx context.Context) error {
	return s.mirror.SyncFull(ctx)
}

// ForceRefresh clears the persisted snapshot and then syncs, so a failed sync cannot
// fall back to cached data on the next start.
func (s *Service) ForceRefresh(ctx context.Context) error {
	if err := s.mirror.ClearCache(ctx); err != nil {
		return models.SyncError("force_refresh", "clear cache", err)
	}
	return s.mirror.SyncFull(ctx)
}

// ApplyDelta publishes a confirmed administrative change.
func (s *Service) ApplyDelta(ctx context.Context, delta models.Delta) error {
	return s.mirror.ApplyDelta(ctx, delta)
}

// ApplyBatchResult publishes the accepted items of a batch administrative call.
func (s *Service) ApplyBatchResult(ctx context.Context, result models.BatchResult) error {
	return s.mirror.ApplyBatchResult(ctx, result)
}

// Stats reports local set sizes and staleness.
func (s *Service) Stats() models.Stats {
	return s.mirror.Stats(s.clock())
}

// RegistryStats returns the registry's own counters.
func (s *Service) RegistryStats(ctx context.Context) (models.RegistryStats, error) {
	stats, err := s.registry.Stats(ctx)
	if err != nil {
		return models.RegistryStats{}, models.VerificationError("registry_stats", "registry stats failed", err)
	}
	return stats, nil
}
