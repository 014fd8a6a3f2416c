package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Handled *prometheus.CounterVec
	Retries *prometheus.CounterVec
	Lag     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_consumer_records_handled_total",
			Help: "Records handled successfully by a consumer group",
		}, []string{"group"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_consumer_handle_retries_total",
			Help: "Handler failures that were retried",
		}, []string{"group"}),
		Lag: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careflow_consumer_lag_records",
			Help: "Records appended but not yet committed, per partition",
		}, []string{"group", "partition"}),
	}
}

func (m *Metrics) recordHandled(group string) {
	if m != nil {
		m.Handled.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) recordRetry(group string) {
	if m != nil {
		m.Retries.WithLabelValues(group).Inc()
	}
}
