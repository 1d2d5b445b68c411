package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. It implements the
// chaindata and tracker observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	CacheLookups *prometheus.CounterVec
	PaidCalls    *prometheus.CounterVec
	PaidErrors   *prometheus.CounterVec
	Reanalyses   *prometheus.CounterVec
	Scores       *prometheus.HistogramVec
	Signals      *prometheus.CounterVec
	FeedEvents   *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_cache_lookups_total",
			Help: "Chain data cache lookups by cache and result",
		}, []string{"cache", "result"}),
		PaidCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_paid_calls_total",
			Help: "Paid RPC and market data calls by kind",
		}, []string{"kind"}),
		PaidErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_paid_call_errors_total",
			Help: "Failed paid calls by kind",
		}, []string{"kind"}),
		Reanalyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_reanalyses_total",
			Help: "Token re-analyses by trigger reason",
		}, []string{"reason"}),
		Scores: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pumpsignal_conviction_score",
			Help:    "Distribution of conviction scores by stage",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"stage"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_signals_total",
			Help: "Conviction signals emitted by stage",
		}, []string{"stage"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsignal_feed_events_total",
			Help: "Feed events consumed by kind",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.CacheLookups, m.PaidCalls, m.PaidErrors, m.Reanalyses,
		m.Scores, m.Signals, m.FeedEvents,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CounterFunc exposes a monotonically increasing value read at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
}

// GaugeFunc exposes a value read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// CacheLookup implements chaindata.Observer.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// PaidCall implements chaindata.Observer.
func (m *Metrics) PaidCall(kind string, err error) {
	m.PaidCalls.WithLabelValues(kind).Inc()
	if err != nil {
		m.PaidErrors.WithLabelValues(kind).Inc()
	}
}

// Reanalysis implements tracker.Observer.
func (m *Metrics) Reanalysis(reason string) { m.Reanalyses.WithLabelValues(reason).Inc() }

// Scored implements tracker.Observer.
func (m *Metrics) Scored(stage string, score int) {
	m.Scores.WithLabelValues(stage).Observe(float64(score))
}

// SignalEmitted implements tracker.Observer.
func (m *Metrics) SignalEmitted(stage string) { m.Signals.WithLabelValues(stage).Inc() }

// Event implements tracker.Observer.
func (m *Metrics) Event(kind string) { m.FeedEvents.WithLabelValues(kind).Inc() }
