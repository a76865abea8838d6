// Package mirror keeps a local copy of the authoritative nullified sets.
//
// Reads never block: they go through the last published Snapshot, which is swapped
// atomically at the end of a successful sync or delta. Syncs walk the registry into
// buffers they own, so a failed or abandoned sync leaves the published snapshot
// untouched. At most one sync runs at a time; concurrent callers share its result.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/ports"
	"nullifier/pkg/platform/sentinel"
	pstrings "nullifier/pkg/platform/strings"
)

const (
	// DefaultPageSize is the registry page size used by full syncs.
	DefaultPageSize = 50

	// DefaultMaxAge bounds cache loads and drives the stale flag.
	DefaultMaxAge = 5 * time.Minute

	subscriberBuffer = 16
	syncKey          = "sync"
)

type pageFunc func(ctx context.Context, offset, limit int) ([]string, bool, error)

type pendingDelta struct {
	seq   uint64
	delta models.Delta
}

// Mirror is the registry mirror. Create it with New and call Initialize once.
type Mirror struct {
	registry    ports.Registry
	registryKey string
	store       ports.CacheStore
	publisher   ports.EventPublisher
	pageSize    int
	maxAge      time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	clock       func() time.Time

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group

	mu          sync.Mutex
	state       models.MirrorState
	deltaSeq    uint64
	pending     []pendingDelta
	subscribers map[int]chan models.MirrorEvent
	nextSubID   int

	bg sync.WaitGroup
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithStore persists snapshots and enables warm starts.
func WithStore(store ports.CacheStore) Option {
	return func(m *Mirror) {
		m.store = store
	}
}

// WithPublisher forwards mirror events to an external sink.
func WithPublisher(p ports.EventPublisher) Option {
	return func(m *Mirror) {
		m.publisher = p
	}
}

// WithPageSize sets the registry page size.
func WithPageSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithMaxAge sets the cache max age and stale threshold.
func WithMaxAge(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithPageRate paces page fetches to at most r per second.
func WithPageRate(r float64, burst int) Option {
	return func(m *Mirror) {
		if r > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records sync and cache metrics.
func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Mirror) {
		m.metrics = metrics
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Mirror) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(m *Mirror) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New creates an uninitialized mirror of registry. registryKey identifies the registry
// deployment (its address) and keys the cache record.
func New(registry ports.Registry, registryKey string, opts ...Option) (*Mirror, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if registryKey == "" {
		return nil, errors.New("registry key is required")
	}
	m := &Mirror{
		registry:    registry,
		registryKey: registryKey,
		pageSize:    DefaultPageSize,
		maxAge:      DefaultMaxAge,
		logger:      slog.Default(),
		tracer:      otel.Tracer("nullifier/mirror"),
		clock:       time.Now,
		state:       models.StateUninitialized,
		subscribers: make(map[int]chan models.MirrorEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// RegistryKey returns the registry deployment this mirror follows.
func (m *Mirror) RegistryKey() string {
	return m.registryKey
}

// MaxAge returns the configured cache max age.
func (m *Mirror) MaxAge() time.Duration {
	return m.maxAge
}

// Snapshot returns the last published snapshot, or nil before the first publish.
func (m *Mirror) Snapshot() *Snapshot {
	return m.snap.Load()
}

// State returns the lifecycle state.
func (m *Mirror) State() models.MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize warm-starts from the cache when a fresh entry exists, else runs a full sync.
func (m *Mirror) Initialize(ctx context.Context) error {
	if m.store != nil {
		entry, err := m.store.Load(ctx, m.registryKey, m.maxAge)
		switch {
		case err == nil:
			m.loadEntry(ctx, entry)
			return nil
		case errors.Is(err, sentinel.ErrNotFound):
			m.logger.DebugContext(ctx, "no fresh cached snapshot", "registry", m.registryKey)
		default:
			m.logger.WarnContext(ctx, "cache load failed, falling back to sync",
				"registry", m.registryKey,
				"error", err,
			)
		}
	}
	return m.SyncFull(ctx)
}

func (m *Mirror) loadEntry(ctx context.Context, entry *models.CacheEntry) {
	markets := m.normalizeAll(ctx, models.KindMarket, entry.MarketHashes)
	addresses := m.normalizeAll(ctx, models.KindAddress, entry.AddressHashes)

	var acc *accumulator.Accumulator
	if entry.AccumulatorValue != nil && entry.AccumulatorModulus != nil && entry.AccumulatorGenerator != nil {
		a, err := accumulator.FromParameters(entry.AccumulatorModulus, entry.AccumulatorGenerator, entry.AccumulatorValue)
		if err != nil {
			m.logger.WarnContext(ctx, "cached accumulator parameters rejected", "registry", m.registryKey, "error", err)
		} else {
			acc = a
		}
	}

	snap := newSnapshot(markets, addresses, acc, entry.Timestamp)
	snap.FromCache = true

	m.mu.Lock()
	if cur := m.snap.Load(); cur != nil {
		snap.Generation = cur.Generation + 1
	}
	m.snap.Store(snap)
	m.state = models.StateReady
	m.mu.Unlock()

	m.metrics.SetSizes(snap.MarketCount(), snap.AddressCount())
	m.logger.InfoContext(ctx, "mirror loaded from cache",
		"registry", m.registryKey,
		"markets", snap.MarketCount(),
		"addresses", snap.AddressCount(),
		"cache_age_ms", m.clock().Sub(entry.Timestamp).Milliseconds(),
	)
	m.emit(ctx, models.MirrorEvent{Type: models.EventCacheLoaded}, snap)
}

// SyncFull rebuilds the sets from the registry and publishes them atomically. Concurrent
// callers share one walk. A caller whose context ends returns ctx.Err() while the shared
// walk runs to completion on its own.
func (m *Mirror) SyncFull(ctx context.Context) error {
	_, err := m.syncShared(ctx)
	return err
}

// syncShared joins or starts a sync and returns the delta sequence the sync started at.
func (m *Mirror) syncShared(ctx context.Context) (uint64, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(syncKey, func() (any, error) {
		return m.runSync(detached)
	})
	// Tracked so Wait also covers walks whose callers gave up.
	results := make(chan singleflight.Result, 1)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		results <- <-ch
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-results:
		seq, _ := res.Val.(uint64)
		return seq, res.Err
	}
}

func (m *Mirror) runSync(ctx context.Context) (uint64, error) {
	syncID := uuid.NewString()
	start := m.clock()

	ctx, span := m.tracer.Start(ctx, "mirror.sync_full", trace.WithAttributes(
		attribute.String("registry", m.registryKey),
		attribute.String("sync_id", syncID),
	))
	defer span.End()

	m.mu.Lock()
	startSeq := m.deltaSeq
	prevState := m.state
	m.state = models.StateSyncing
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "registry sync started", "registry", m.registryKey, "sync_id", syncID)
	m.emit(ctx, models.MirrorEvent{Type: models.EventSyncStarted, SyncID: syncID}, m.snap.Load())

	var (
		markets   []string
		addresses []string
		params    models.AccumulatorParameters
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		markets, err = m.walk(gctx, "market", m.registry.NullifiedMarkets)
		return err
	})
	g.Go(func() error {
		var err error
		addresses, err = m.walk(gctx, "address", m.registry.NullifiedAddresses)
		return err
	})
	g.Go(func() error {
		var err error
		params, err = m.registry.AccumulatorParameters(gctx)
		if err != nil {
			return fmt.Errorf("fetch accumulator parameters: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		m.mu.Lock()
		m.state = prevState
		m.mu.Unlock()

		elapsed := m.clock().Sub(start)
		m.metrics.ObserveSync(false, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		m.logger.WarnContext(ctx, "registry sync failed",
			"registry", m.registryKey,
			"sync_id", syncID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		m.emit(ctx, models.MirrorEvent{Type: models.EventSyncFailed, SyncID: syncID, Error: err.Error()}, m.snap.Load())
		return startSeq, models.SyncError("sync_full", "registry sync failed", err)
	}

	acc := m.buildAccumulator(ctx, params)
	snap := newSnapshot(
		m.normalizeAll(ctx, models.KindMarket, markets),
		m.normalizeAll(ctx, models.KindAddress, addresses),
		acc,
		m.clock(),
	)

	m.mu.Lock()
	// Deltas applied after this sync started may be missing from what it fetched.
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.seq > startSeq {
			snap.apply(p.delta)
			kept = append(kept, p)
		}
	}
	m.pending = kept
	if cur := m.snap.Load(); cur != nil {
		snap.Generation = cur.Generation + 1
	}
	m.snap.Store(snap)
	m.state = models.StateReady
	m.mu.Unlock()

	elapsed := m.clock().Sub(start)
	m.metrics.ObserveSync(true, elapsed)
	m.metrics.SetSizes(snap.MarketCount(), snap.AddressCount())
	span.SetAttributes(
		attribute.Int("markets", snap.MarketCount()),
		attribute.Int("addresses", snap.AddressCount()),
	)
	m.logger.InfoContext(ctx, "registry sync completed",
		"registry", m.registryKey,
		"sync_id", syncID,
		"markets", snap.MarketCount(),
		"addresses", snap.AddressCount(),
		"has_accumulator", acc != nil,
		"duration_ms", elapsed.Milliseconds(),
	)

	m.persist(ctx, snap)
	m.emit(ctx, models.MirrorEvent{Type: models.EventSyncCompleted, SyncID: syncID}, snap)
	return startSeq, nil
}

// walk pages through one registry list into a buffer owned by the caller.
func (m *Mirror) walk(ctx context.Context, set string, fetch pageFunc) ([]string, error) {
	var out []string
	offset := 0
	for {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		items, more, err := fetch(ctx, offset, m.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page at offset %d: %w", set, offset, err)
		}
		m.metrics.IncrementPages(set)
		out = append(out, items...)
		if !more {
			return out, nil
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%s page at offset %d is empty but reports more pages", set, offset)
		}
		offset += len(items)
	}
}

func (m *Mirror) buildAccumulator(ctx context.Context, params models.AccumulatorParameters) *accumulator.Accumulator {
	if !params.Initialized {
		return nil
	}
	acc, err := accumulator.FromModelParameters(params)
	if err != nil {
		m.logger.WarnContext(ctx, "registry accumulator parameters rejected, using hash sets only",
			"registry", m.registryKey,
			"error", err,
		)
		return nil
	}
	return acc
}

// normalizeAll normalizes registry keys, dropping entries that cannot be parsed.
func (m *Mirror) normalizeAll(ctx context.Context, kind models.IdentityKind, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		n, err := identity.NormalizeKey(kind, k)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping malformed registry entry",
				"registry", m.registryKey,
				"kind", kind,
				"key", k,
				"error", err,
			)
			continue
		}
		out = append(out, n)
	}
	return out
}

// ApplyDelta publishes the effect of a confirmed administrative change immediately and
// schedules a background sync to reconcile with the registry. Keys are validated up
// front; one bad key rejects the whole delta.
func (m *Mirror) ApplyDelta(ctx context.Context, delta models.Delta) error {
	if !delta.Action.Valid() {
		return models.MappingError("apply_delta", fmt.Sprintf("unknown action %q", delta.Action))
	}
	if !delta.Kind.Valid() {
		return models.MappingError("apply_delta", fmt.Sprintf("unknown kind %q", delta.Kind))
	}
	keys := make([]string, 0, len(delta.Keys))
	for _, k := range delta.Keys {
		n, err := identity.NormalizeKey(delta.Kind, k)
		if err != nil {
			return err
		}
		keys = append(keys, n)
	}
	keys = pstrings.Dedupe(keys)
	if len(keys) == 0 {
		return nil
	}
	normalized := models.Delta{Action: delta.Action, Kind: delta.Kind, Keys: keys}

	m.mu.Lock()
	m.deltaSeq++
	seq := m.deltaSeq
	m.pending = append(m.pending, pendingDelta{seq: seq, delta: normalized})
	var next *Snapshot
	if cur := m.snap.Load(); cur != nil {
		next = cur.withDelta(normalized, m.clock())
		m.snap.Store(next)
	}
	m.mu.Unlock()

	m.metrics.IncrementDelta(string(delta.Action), string(delta.Kind))
	m.logger.InfoContext(ctx, "delta applied",
		"registry", m.registryKey,
		"action", delta.Action,
		"kind", delta.Kind,
		"keys", len(keys),
		"published", next != nil,
	)
	if next != nil {
		m.metrics.SetSizes(next.MarketCount(), next.AddressCount())
		m.persist(ctx, next)
		m.emit(ctx, models.MirrorEvent{Type: models.EventDeltaApplied}, next)
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.reconcile(context.WithoutCancel(ctx), seq)
	}()
	return nil
}

// ApplyBatchResult applies the items a batch administrative call reported as successful.
func (m *Mirror) ApplyBatchResult(ctx context.Context, result models.BatchResult) error {
	return m.ApplyDelta(ctx, result.Succeeded())
}

// reconcile syncs until a sync that started after delta seq has completed.
func (m *Mirror) reconcile(ctx context.Context, seq uint64) {
	startSeq, err := m.syncShared(ctx)
	if err == nil && startSeq < seq {
		_, err = m.syncShared(ctx)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "background reconcile failed", "registry", m.registryKey, "error", err)
	}
}

// StartAutoRefresh syncs every interval until ctx ends. Failures are logged only.
func (m *Mirror) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SyncFull(ctx); err != nil && ctx.Err() == nil {
					m.logger.WarnContext(ctx, "periodic refresh failed", "registry", m.registryKey, "error", err)
				}
			}
		}
	}()
}

// Wait blocks until background reconciles, refresh loops and abandoned syncs have returned.
func (m *Mirror) Wait() {
	m.bg.Wait()
}

// ClearCache removes the persisted snapshot. The in-memory snapshot is untouched.
func (m *Mirror) ClearCache(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Clear(ctx, m.registryKey); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	m.logger.InfoContext(ctx, "cache cleared", "registry", m.registryKey)
	m.emit(ctx, models.MirrorEvent{Type: models.EventCacheCleared}, m.snap.Load())
	return nil
}

// Stats reports sizes and staleness at now. Before the first publish the mirror counts
// as stale.
func (m *Mirror) Stats(now time.Time) models.Stats {
	snap := m.snap.Load()
	stats := models.Stats{
		State:   m.State(),
		IsStale: true,
	}
	if snap == nil {
		return stats
	}
	age := now.Sub(snap.LastUpdate)
	stats.NullifiedMarketsCount = snap.MarketCount()
	stats.NullifiedAddressesCount = snap.AddressCount()
	stats.LastUpdate = snap.LastUpdate
	stats.CacheAgeMs = age.Milliseconds()
	stats.IsStale = age > m.maxAge
	stats.HasAccumulator = snap.acc != nil
	stats.FromCache = snap.FromCache
	return stats
}

// Subscribe returns a channel of mirror events and a function that cancels the
// subscription. Slow subscribers miss events rather than blocking the mirror.
func (m *Mirror) Subscribe() (<-chan models.MirrorEvent, func()) {
	ch := make(chan models.MirrorEvent, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Mirror) persist(ctx context.Context, snap *Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, m.registryKey, snap.toEntry()); err != nil {
		m.logger.WarnContext(ctx, "failed to persist snapshot", "registry", m.registryKey, "error", err)
	}
}

func (m *Mirror) emit(ctx context.Context, event models.MirrorEvent, snap *Snapshot) {
	event.ID = uuid.NewString()
	event.Registry = m.registryKey
	event.At = m.clock()
	event.MarketCount = snap.MarketCount()
	event.AddressCount = snap.AddressCount()
	event.HasAccumulator = snap.Accumulator() != nil
	event.FromCache = snap != nil && snap.FromCache

	m.mu.Lock()
	event.State = m.state
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	m.mu.Unlock()

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "failed to publish mirror event",
				"registry", m.registryKey,
				"event", event.Type,
				"error", err,
			)
		}
	}
}
