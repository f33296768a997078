package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engagement service.
type Metrics struct {
	// Ingestion metrics
	EventsIngested       *prometheus.CounterVec
	EventsSuppressed     *prometheus.CounterVec
	ValidationFailures   *prometheus.CounterVec
	IngestLatency        *prometheus.HistogramVec
	RollupFailures       *prometheus.CounterVec
	AppendFailures       prometheus.Counter

	// Query metrics
	QueryLatency *prometheus.HistogramVec
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec

	// System metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total accepted engagement events",
			},
			[]string{"kind", "scoped"},
		),
		EventsSuppressed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_suppressed_total",
				Help:      "Duplicate events suppressed by the dedup guard",
			},
			[]string{"kind"},
		),
		ValidationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Event submissions rejected by the validator",
			},
			[]string{"kind"},
		),
		IngestLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Event ingestion latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"status"},
		),
		RollupFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_failures_total",
				Help:      "Best-effort rollup increments that failed",
			},
			[]string{"scope"},
		),
		AppendFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "append_failures_total",
				Help:      "Event log appends that failed",
			},
		),
		QueryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_latency_seconds",
				Help:      "Analytics query latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
			},
			[]string{"query"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Query results served from the result cache",
			},
			[]string{"query"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Query results computed on cache miss",
			},
			[]string{"query"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"path"},
		),
	}
}

// RecordIngest observes one ingestion with its latency.
func (m *Metrics) RecordIngest(kind string, scoped bool, status string, d time.Duration) {
	if m == nil {
		return
	}
	scopedLabel := "false"
	if scoped {
		scopedLabel = "true"
	}
	if status == "accepted" {
		m.EventsIngested.WithLabelValues(kind, scopedLabel).Inc()
	}
	m.IngestLatency.WithLabelValues(status).Observe(d.Seconds())
}

// RecordSuppressed counts a dedup suppression.
func (m *Metrics) RecordSuppressed(kind string) {
	if m == nil {
		return
	}
	m.EventsSuppressed.WithLabelValues(kind).Inc()
}

// RecordValidationFailure counts a rejected submission.
func (m *Metrics) RecordValidationFailure(kind string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(kind).Inc()
}

// RecordRollupFailure counts a swallowed rollup error.
func (m *Metrics) RecordRollupFailure(scope string) {
	if m == nil {
		return
	}
	m.RollupFailures.WithLabelValues(scope).Inc()
}

// RecordAppendFailure counts a fatal event log append error.
func (m *Metrics) RecordAppendFailure() {
	if m == nil {
		return
	}
	m.AppendFailures.Inc()
}

// RecordQuery observes one analytics query with cache outcome.
func (m *Metrics) RecordQuery(query string, hit bool, d time.Duration) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(query).Inc()
	} else {
		m.CacheMisses.WithLabelValues(query).Inc()
	}
	m.QueryLatency.WithLabelValues(query).Observe(d.Seconds())
}

// RecordRateLimitHit counts a rate-limited request.
func (m *Metrics) RecordRateLimitHit(path string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(path).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
