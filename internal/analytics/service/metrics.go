package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Events by result: applied, duplicate
	Events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_analytics_events_total",
			Help: "Patient events seen by analytics",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) record(eventType, result string) {
	if m != nil {
		m.Events.WithLabelValues(eventType, result).Inc()
	}
}
