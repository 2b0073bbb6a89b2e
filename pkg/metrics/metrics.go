// Package metrics provides Prometheus instrumentation for corridor.
//
// Metrics exposed:
//   - corridor_snapshot_upserts_total: Counter of durable writes by upsert path
//   - corridor_persistence_errors_total: Counter of failed durable operations
//   - corridor_catalog_changes_total: Counter of segment descriptors rewritten
//   - corridor_query_source_total: Counter of query answers by data source
//   - corridor_newest_sample_age_seconds: Gauge of the newest sample age per query
//   - corridor_admission_wait_seconds: Histogram of heavy read queue waits
//   - corridor_admission_rejections_total: Counter of rejected heavy reads
//   - corridor_admission_queue_depth, corridor_admission_in_flight: Gauges
//   - corridor_cache_*_total: Cache hits, misses, builds, evictions and purges
//   - corridor_collect_seconds: Histogram of adapter collection duration
//   - corridor_collect_errors_total: Counter of failed collector ticks
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/corridor/pkg/admission"
	"github.com/HatiCode/corridor/pkg/cache"
	"github.com/HatiCode/corridor/pkg/freshness"
	"github.com/HatiCode/corridor/pkg/storage"
)

const namespace = "corridor"

// Metrics holds the corridor collectors. It implements traffic.Metrics and
// admission.Observer.
type Metrics struct {
	factory promauto.Factory

	UpsertsTotal           *prometheus.CounterVec
	PersistenceErrorsTotal *prometheus.CounterVec
	CatalogChangesTotal    prometheus.Counter
	QuerySourceTotal       *prometheus.CounterVec
	NewestSampleAgeSeconds *prometheus.GaugeVec
	AdmissionWaitSeconds   *prometheus.HistogramVec
	AdmissionRejections    *prometheus.CounterVec
	CollectSeconds         *prometheus.HistogramVec
	CollectErrorsTotal     *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		factory: f,

		UpsertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_upserts_total",
			Help:      "Durable snapshot writes by upsert path",
		}, []string{"path"}),

		PersistenceErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed durable operations by operation",
		}, []string{"op"}),

		CatalogChangesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_changes_total",
			Help:      "Segment descriptors inserted or rewritten",
		}),

		QuerySourceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_source_total",
			Help:      "Query answers by query and data source",
		}, []string{"query", "source"}),

		NewestSampleAgeSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "newest_sample_age_seconds",
			Help:      "Age of the newest sample in the latest answer of each query",
		}, []string{"query"}),

		AdmissionWaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time heavy reads spent queued for a ticket",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"label"}),

		AdmissionRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Heavy reads refused by label and reason",
		}, []string{"label", "reason"}),

		CollectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_seconds",
			Help:      "Time spent collecting one observation from the adapter",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter"}),

		CollectErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_errors_total",
			Help:      "Failed collector ticks by adapter and reason",
		}, []string{"adapter", "reason"}),
	}
}

// ObserveUpsert counts a durable write.
func (m *Metrics) ObserveUpsert(path storage.UpsertPath) {
	m.UpsertsTotal.WithLabelValues(string(path)).Inc()
}

// ObservePersistenceError counts a failed durable operation.
func (m *Metrics) ObservePersistenceError(op string) {
	m.PersistenceErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveCatalogChanged counts rewritten descriptors.
func (m *Metrics) ObserveCatalogChanged(n int) {
	m.CatalogChangesTotal.Add(float64(n))
}

// ObserveSource records the data source and newest sample age of an answer.
func (m *Metrics) ObserveSource(query string, source freshness.Source, newestAge time.Duration) {
	m.QuerySourceTotal.WithLabelValues(query, string(source)).Inc()
	m.NewestSampleAgeSeconds.WithLabelValues(query).Set(newestAge.Seconds())
}

// ObserveWait records a granted ticket's queue wait.
func (m *Metrics) ObserveWait(label string, waited time.Duration) {
	m.AdmissionWaitSeconds.WithLabelValues(label).Observe(waited.Seconds())
}

// ObserveReject counts a refused heavy read.
func (m *Metrics) ObserveReject(label, reason string) {
	m.AdmissionRejections.WithLabelValues(label, reason).Inc()
}

// RecordCollect records the duration of one adapter collection.
func (m *Metrics) RecordCollect(adapter string, d time.Duration) {
	m.CollectSeconds.WithLabelValues(adapter).Observe(d.Seconds())
}

// RecordCollectError counts a failed collector tick.
func (m *Metrics) RecordCollectError(adapter, reason string) {
	m.CollectErrorsTotal.WithLabelValues(adapter, reason).Inc()
}

// CacheSource reports per-cache statistics by cache name.
type CacheSource interface {
	CacheStats() map[string]cache.Stats
}

// WatchCaches exposes the statistics of the named caches as counters read at
// scrape time.
func (m *Metrics) WatchCaches(src CacheSource, names ...string) {
	stat := func(name string, pick func(cache.Stats) uint64) func() float64 {
		return func() float64 {
			return float64(pick(src.CacheStats()[name]))
		}
	}

	for _, name := range names {
		labels := prometheus.Labels{"cache": name}
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Response cache hits", ConstLabels: labels,
		}, stat(name, func(s cache.Stats) uint64 { return s.Hits }))
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Response cache misses", ConstLabels: labels,
		}, stat(name, func(s cache.Stats) uint64 { return s.Misses }))
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_builds_total",
			Help: "Response cache builds", ConstLabels: labels,
		}, stat(name, func(s cache.Stats) uint64 { return s.Builds }))
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Response cache capacity evictions", ConstLabels: labels,
		}, stat(name, func(s cache.Stats) uint64 { return s.Evictions }))
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_purges_total",
			Help: "Response cache purges", ConstLabels: labels,
		}, stat(name, func(s cache.Stats) uint64 { return s.Purges }))
	}
}

// WatchAdmission exposes the controller's queue depth and in-flight count.
func (m *Metrics) WatchAdmission(c *admission.Controller) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_queue_depth",
		Help:      "Heavy reads waiting for a ticket",
	}, func() float64 { return float64(c.QueueDepth()) })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_in_flight",
		Help:      "Heavy reads holding a ticket",
	}, func() float64 { return float64(c.InFlight()) })
}
