package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments emitted across the index
// lifecycle (train/add/remove) and the retrieval path (centroid pruning,
// candidate collection, phase-one/phase-two rerank, tenant quota usage).
type Metrics struct {
	// Registry is this instance's private collector registry. Exposed so
	// a caller (cmd/coredb, or a host embedding this module) can serve it
	// over its own /metrics endpoint without reaching for the process
	// global.
	Registry *prometheus.Registry

	DocumentsAdded   prometheus.Counter
	DocumentsRemoved prometheus.Counter
	DocumentsUpdated prometheus.Counter

	TrainDuration prometheus.Histogram
	AddDuration   prometheus.Histogram

	SearchesTotal      *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	CandidateSetSize   prometheus.Histogram
	PhaseOneScored     prometheus.Histogram
	PhaseTwoRescored   prometheus.Histogram
	ProbeSetSize       prometheus.Histogram

	IndexSize     *prometheus.GaugeVec
	CentroidCount prometheus.Gauge

	TenantsTotal      prometheus.Gauge
	TenantQuotaUsage  *prometheus.GaugeVec
	TenantRateLimited *prometheus.CounterVec

	StorageErrors *prometheus.CounterVec
}

// NewMetrics constructs and registers every instrument with a fresh,
// private Prometheus registry. Each Index owns one Metrics instance, so
// registering against the global default registerer would panic with a
// duplicate-collector error the moment a second index opened in the same
// process (every package test that opens more than one Index would hit
// this) — a private registry per instance avoids that entirely.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		Registry: reg,
		DocumentsAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coredb_documents_added_total",
			Help: "Total number of documents added across all tenants.",
		}),
		DocumentsRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coredb_documents_removed_total",
			Help: "Total number of documents removed across all tenants.",
		}),
		DocumentsUpdated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coredb_documents_updated_total",
			Help: "Total number of documents updated across all tenants.",
		}),
		TrainDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_train_duration_seconds",
			Help:    "Duration of CoarseQuantizer/ResidualQuantizer training.",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		}),
		AddDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_add_duration_seconds",
			Help:    "Duration of a single document add, including all five partition writes.",
			Buckets: prometheus.DefBuckets,
		}),
		SearchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coredb_searches_total",
			Help: "Total number of search calls by retriever variant and outcome.",
		}, []string{"variant", "outcome"}),
		SearchLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coredb_search_latency_seconds",
			Help:    "End-to-end search latency by retriever variant.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"variant"}),
		CandidateSetSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_candidate_set_size",
			Help:    "Number of candidate documents collected from the probe set before phase-one scoring.",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 20000},
		}),
		PhaseOneScored: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_phase_one_scored",
			Help:    "Number of documents scored in phase one (approximate MaxSim).",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 20000},
		}),
		PhaseTwoRescored: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_phase_two_rescored",
			Help:    "Number of survivors re-ranked in phase two (exact MaxSim over decoded residuals).",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 500},
		}),
		ProbeSetSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_probe_set_size",
			Help:    "Number of centroids selected by centroid pruning for one query.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		IndexSize: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coredb_index_size",
			Help: "Number of documents stored, by tenant.",
		}, []string{"tenant"}),
		CentroidCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coredb_centroid_count",
			Help: "Number of coarse centroids (nlist) in the trained index.",
		}),
		TenantsTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coredb_tenants_total",
			Help: "Total number of registered tenants.",
		}),
		TenantQuotaUsage: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coredb_tenant_quota_usage_ratio",
			Help: "Tenant quota usage as a fraction of the configured limit, by tenant and resource.",
		}, []string{"tenant", "resource"}),
		TenantRateLimited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coredb_tenant_rate_limited_total",
			Help: "Total number of requests rejected by a tenant's rate limiter.",
		}, []string{"tenant"}),
		StorageErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coredb_storage_errors_total",
			Help: "Total number of storage-layer errors by partition and kind.",
		}, []string{"partition", "kind"}),
	}
}

// RecordSearch records one completed search's latency and outcome.
func (m *Metrics) RecordSearch(variant, outcome string, duration time.Duration) {
	m.SearchesTotal.WithLabelValues(variant, outcome).Inc()
	m.SearchLatency.WithLabelValues(variant).Observe(duration.Seconds())
}

// RecordRetrievalShape records the funnel sizes for one search: probe set,
// candidates, phase-one survivors, phase-two survivors.
func (m *Metrics) RecordRetrievalShape(probeSet, candidates, phaseOne, phaseTwo int) {
	m.ProbeSetSize.Observe(float64(probeSet))
	m.CandidateSetSize.Observe(float64(candidates))
	m.PhaseOneScored.Observe(float64(phaseOne))
	m.PhaseTwoRescored.Observe(float64(phaseTwo))
}

// UpdateIndexSize sets the stored-document gauge for one tenant.
func (m *Metrics) UpdateIndexSize(tenant string, size int) {
	m.IndexSize.WithLabelValues(tenant).Set(float64(size))
}

// UpdateTenantQuota sets the quota-usage ratio for one tenant/resource pair.
func (m *Metrics) UpdateTenantQuota(tenant, resource string, ratio float64) {
	m.TenantQuotaUsage.WithLabelValues(tenant, resource).Set(ratio)
}

// RecordRateLimited records one request rejected by a tenant's limiter.
func (m *Metrics) RecordRateLimited(tenant string) {
	m.TenantRateLimited.WithLabelValues(tenant).Inc()
}

// RecordStorageError records one storage-layer failure.
func (m *Metrics) RecordStorageError(partition, kind string) {
	m.StorageErrors.WithLabelValues(partition, kind).Inc()
}
