// Package metrics exposes engine counters in the Prometheus format. Each
// engine owns its registry so several engines can live in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerrors "github.com/guileen/querycore/errors"
)

const namespace = "querycore"

// Metrics records engine activity. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queries     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	spilledRows prometheus.Counter
	spills      prometheus.Counter
	replans     prometheus.Counter
	truncated   prometheus.Counter
}

// New creates the engine metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Statements executed, by statement kind.",
		}, []string{"statement"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_errors_total",
			Help:      "Failed statements, by error kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Statement latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"statement"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits, by cache.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses, by cache.",
		}, []string{"cache"}),
		spilledRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilled_rows_total",
			Help:      "Rows written to spill storage.",
		}),
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilling_queries_total",
			Help:      "Queries that spilled at least once.",
		}),
		replans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_total",
			Help:      "Adaptive re-optimizations during execution.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_results_total",
			Help:      "Results cut at the row cap or a recursion bound.",
		}),
	}
	m.registry.MustRegister(
		m.queries, m.errors, m.duration, m.cacheHits, m.cacheMisses,
		m.spilledRows, m.spills, m.replans, m.truncated,
	)
	return m
}

// Registry is the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one statement.
func (m *Metrics) ObserveQuery(statement string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(statement).Inc()
	m.duration.WithLabelValues(statement).Observe(elapsed.Seconds())
	if err != nil {
		m.errors.WithLabelValues(qerrors.KindOf(err).String()).Inc()
	}
}

// CacheHit counts a hit in the named cache.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss counts a miss in the named cache.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// Spilled records a query that wrote rows to spill.
func (m *Metrics) Spilled(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.spills.Inc()
	m.spilledRows.Add(float64(rows))
}

func (m *Metrics) Replanned() {
	if m == nil {
		return
	}
	m.replans.Inc()
}

func (m *Metrics) Truncated() {
	if m == nil {
		return
	}
	m.truncated.Inc()
}

// Gauge registers a gauge read from fn at scrape time, such as a cache size
// or the memory in use.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
