// Package metrics exposes Prometheus collectors for the API process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	MessagesSent *prometheus.CounterVec
	Invitations  *prometheus.CounterVec
	TypingPurged prometheus.Counter
	RateLimited  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orbit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "messages_sent_total",
			Help:      "Messages stored, by message type.",
		}, []string{"type"}),
		Invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "invitations_total",
			Help:      "Invitation outcomes.",
		}, []string{"outcome"}),
		TypingPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "typing_indicators_purged_total",
			Help:      "Expired typing indicator rows removed by the sweeper.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.MessagesSent,
		m.Invitations,
		m.TypingPurged,
		m.RateLimited,
	)
	return m
}

// RegisterGaugeFunc exposes a value computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "orbit",
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
