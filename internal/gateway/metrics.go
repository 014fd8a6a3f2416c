package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded per request.
const (
	OutcomeForwarded    = "forwarded"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNoRoute      = "no_route"
	OutcomeUpstreamDown = "upstream_unavailable"
	OutcomeLocal        = "local"
)

type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	Reloads  *prometheus.CounterVec
}

// NewMetrics registers gateway metrics on reg; nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_gateway_requests_total",
			Help: "Requests handled by the edge router, by route prefix and outcome",
		}, []string{"route", "outcome"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_gateway_request_duration_seconds",
			Help:    "Edge router request latency including upstream time",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_gateway_route_reloads_total",
			Help: "Routing table reload attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) RecordRequest(route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "none"
	}
	m.Requests.WithLabelValues(route, outcome).Inc()
	m.Latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordReload(ok bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "rejected"
	}
	m.Reloads.WithLabelValues(result).Inc()
}
