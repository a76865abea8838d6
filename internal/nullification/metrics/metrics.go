package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the nullification subsystem.
type Metrics struct {
	// Full sync attempts by result ("success", "failure")
	SyncTotal *prometheus.CounterVec

	// Full sync latency including every page walk
	SyncDuration prometheus.Histogram

	// Pages fetched during syncs by set ("market", "address")
	PagesFetched *prometheus.CounterVec

	// Size of the published nullified sets by kind
	SetSize *prometheus.GaugeVec

	// Cache lookups by backend and result ("hit", "miss", "error")
	CacheLookups *prometheus.CounterVec

	// Local checks by kind and outcome ("nullified", "active", "fail_open")
	LocalChecks *prometheus.CounterVec

	// Authoritative registry checks by kind
	VerifyLatency *prometheus.HistogramVec

	// Locally applied deltas by action and kind
	DeltasApplied *prometheus.CounterVec
}

// New creates the subsystem metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nullifier_sync_total",
			Help: "Total full registry syncs by result",
		}, []string{"result"}),

		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nullifier_sync_duration_seconds",
			Help:    "Duration of full registry syncs",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nullifier_sync_pages_total",
			Help: "Total registry pages fetched during syncs",
		}, []string{"set"}),

		SetSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nullifier_set_size",
			Help: "Number of nullified entries in the published snapshot",
		}, []string{"kind"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nullifier_cache_lookups_total",
			Help: "Snapshot cache lookups by backend and result",
		}, []string{"backend", "result"}),

		LocalChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nullifier_local_checks_total",
			Help: "Local nullification checks by kind and outcome",
		}, []string{"kind", "outcome"}),

		VerifyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nullifier_verify_duration_seconds",
			Help:    "Duration of authoritative registry checks",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"kind"}),

		DeltasApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nullifier_deltas_applied_total",
			Help: "Deltas applied to the local snapshot",
		}, []string{"action", "kind"}),
	}
}

// ObserveSync records a finished full sync.
func (m *Metrics) ObserveSync(success bool, d time.Duration) {
	if m != nil {
		result := "success"
		if !success {
			result = "failure"
		}
		m.SyncTotal.WithLabelValues(result).Inc()
		m.SyncDuration.Observe(d.Seconds())
	}
}

// IncrementPages records one fetched page.
func (m *Metrics) IncrementPages(set string) {
	if m != nil {
		m.PagesFetched.WithLabelValues(set).Inc()
	}
}

// SetSizes records the published set sizes.
func (m *Metrics) SetSizes(markets, addresses int) {
	if m != nil {
		m.SetSize.WithLabelValues("market").Set(float64(markets))
		m.SetSize.WithLabelValues("address").Set(float64(addresses))
	}
}

// RecordCacheHit records a served cache entry.
func (m *Metrics) RecordCacheHit(backend string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(backend, "hit").Inc()
	}
}

// RecordCacheMiss records an absent or expired cache entry.
func (m *Metrics) RecordCacheMiss(backend string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(backend, "miss").Inc()
	}
}

// RecordCacheError records a failed cache lookup.
func (m *Metrics) RecordCacheError(backend string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(backend, "error").Inc()
	}
}

// IncrementLocalCheck records a local check outcome.
func (m *Metrics) IncrementLocalCheck(kind, outcome string) {
	if m != nil {
		m.LocalChecks.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveVerify records the latency of an authoritative check.
func (m *Metrics) ObserveVerify(kind string, d time.Duration) {
	if m != nil {
		m.VerifyLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// IncrementDelta records an applied delta.
func (m *Metrics) IncrementDelta(action, kind string) {
	if m != nil {
		m.DeltasApplied.WithLabelValues(action, kind).Inc()
	}
}
