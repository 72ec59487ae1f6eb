package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	TTFB             *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total requests routed through modelrelay",
		}, []string{"model", "provider", "status"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_retries_total",
			Help: "Failed upstream attempts preceding the final attempt",
		}, []string{"model", "provider"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_request_latency_ms",
			Help:    "Upstream request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		TTFB: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_ttfb_ms",
			Help:    "Time to first upstream byte in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_tokens_total",
			Help: "Tokens processed, labeled by direction",
		}, []string{"model", "provider", "direction"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RetriesTotal, m.RequestLatency, m.TTFB, m.TokensTotal, m.RateLimitedTotal)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
