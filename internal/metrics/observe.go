package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the service's instrument set. All observe methods are
// nil-safe so library packages can record unconditionally.
type Metrics struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	cacheOps      *prometheus.HistogramVec
	cacheResults  *prometheus.CounterVec
	storeReads    *prometheus.HistogramVec
	invalidations *prometheus.CounterVec
	alignSeconds  prometheus.Histogram
}

func New(p *Provider) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		cacheOps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_op_duration_seconds",
				Help:    "Catalog cache operation latency by op and outcome.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"op", "outcome"},
		),
		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_results_total",
				Help: "Catalog cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		storeReads: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "object_store_read_duration_seconds",
				Help:    "Object store read latency by op.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidation_events_total",
				Help: "Catalog invalidation events by op and outcome.",
			},
			[]string{"op", "outcome"},
		),
		alignSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "align_duration_seconds",
				Help:    "End-to-end alignment run latency.",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
		),
	}
	p.Register(
		m.httpRequests, m.httpDuration,
		m.cacheOps, m.cacheResults,
		m.storeReads, m.invalidations,
		m.alignSeconds,
	)
	return m
}

func (m *Metrics) ObserveHTTP(route, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) ObserveCacheOp(op string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cacheOps.WithLabelValues(op, outcome).Observe(seconds)
}

func (m *Metrics) AddCacheHits(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheResults.WithLabelValues("hit").Add(float64(n))
}

func (m *Metrics) AddCacheMisses(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheResults.WithLabelValues("miss").Add(float64(n))
}

func (m *Metrics) ObserveStoreRead(op string, seconds float64) {
	if m == nil {
		return
	}
	m.storeReads.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) AddInvalidation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.invalidations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveAlign(seconds float64) {
	if m == nil {
		return
	}
	m.alignSeconds.Observe(seconds)
}
