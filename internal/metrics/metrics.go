// Package metrics defines the Prometheus instruments on a private registry,
// exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	QueriesTotal     *prometheus.CounterVec
	QueryLatency     *prometheus.HistogramVec
	LaneOutcomes     *prometheus.CounterVec
	LaneLatency      *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	CacheEvents      *prometheus.CounterVec
	FirstTokenMs     *prometheus.HistogramVec
	RateLimited      prometheus.Counter
	WorkflowDispatch *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fathom_queries_total",
			Help: "Queries handled, by mode and terminal outcome",
		}, []string{"mode", "outcome"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fathom_query_latency_ms",
			Help:    "End-to-end query latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"mode"}),
		LaneOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fathom_lane_outcomes_total",
			Help: "Lane terminal statuses",
		}, []string{"lane", "status"}),
		LaneLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fathom_lane_latency_ms",
			Help:    "Lane wall-clock latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"lane"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fathom_provider_errors_total",
			Help: "Classified provider errors",
		}, []string{"provider", "class"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fathom_cache_events_total",
			Help: "Response cache activity",
		}, []string{"event"}), // hit|miss|coalesce|store
		FirstTokenMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fathom_first_token_ms",
			Help:    "Synthesis time to first token in milliseconds",
			Buckets: prometheus.ExponentialBuckets(25, 2, 9),
		}, []string{"model"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fathom_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
		WorkflowDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fathom_workflow_dispatch_total",
			Help: "Telemetry workflow dispatch outcomes",
		}, []string{"outcome"}), // ok|failed|bypassed
	}
	reg.MustRegister(
		m.QueriesTotal, m.QueryLatency, m.LaneOutcomes, m.LaneLatency,
		m.ProviderErrors, m.CacheEvents, m.FirstTokenMs, m.RateLimited,
		m.WorkflowDispatch,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
