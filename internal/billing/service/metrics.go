package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Confirmed prometheus.Counter
	Rejected  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Confirmed: f.NewCounter(prometheus.CounterOpts{
			Name: "careflow_billing_accounts_confirmed_total",
			Help: "CreateAccount calls answered with an account",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_billing_accounts_rejected_total",
			Help: "CreateAccount calls refused for business reasons",
		}, []string{"reason"}),
	}
}

func (m *Metrics) recordConfirmed() {
	if m != nil {
		m.Confirmed.Inc()
	}
}

func (m *Metrics) recordRejected(reason RejectionReason) {
	if m != nil {
		m.Rejected.WithLabelValues(string(reason)).Inc()
	}
}
