package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for patient onboarding and the outbox relay.
type Metrics struct {
	// Workflow outcomes by operation (create, update, retry, reconcile)
	Outcomes *prometheus.CounterVec

	// Billing RPC latency by result
	BillingLatency *prometheus.HistogramVec

	OutboxPublished prometheus.Counter
	OutboxRetries   prometheus.Counter
	OutboxDead      prometheus.Counter

	// Outbox entries by state, sampled by the relay
	OutboxEntries *prometheus.GaugeVec

	// Patients the reconciler left for operators
	ReconcileExhausted prometheus.Counter
}

// New registers the patients metrics on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_patients_onboarding_outcomes_total",
			Help: "Onboarding workflow outcomes by operation",
		}, []string{"operation", "outcome"}),

		BillingLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_patients_billing_rpc_duration_seconds",
			Help:    "Duration of billing CreateAccount calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"result"}), // result: confirmed, rejected, unreachable, timeout

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "careflow_outbox_published_total",
			Help: "Outbox entries acknowledged by the event log",
		}),
		OutboxRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "careflow_outbox_publish_failures_total",
			Help: "Failed publish attempts that were scheduled for retry",
		}),
		OutboxDead: f.NewCounter(prometheus.CounterOpts{
			Name: "careflow_outbox_dead_total",
			Help: "Outbox entries that exhausted their attempts",
		}),
		OutboxEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careflow_outbox_entries",
			Help: "Outbox entries by state",
		}, []string{"state"}),

		ReconcileExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "careflow_patients_reconcile_exhausted_total",
			Help: "Pending patients skipped by the reconciler after too many attempts",
		}),
	}
}

func (m *Metrics) IncrementOutcome(operation, outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) ObserveBillingLatency(result string, d time.Duration) {
	if m != nil {
		m.BillingLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementPublished() {
	if m != nil {
		m.OutboxPublished.Inc()
	}
}

func (m *Metrics) IncrementPublishRetry() {
	if m != nil {
		m.OutboxRetries.Inc()
	}
}

func (m *Metrics) IncrementDead() {
	if m != nil {
		m.OutboxDead.Inc()
	}
}

func (m *Metrics) SetOutboxEntries(state string, n int) {
	if m != nil {
		m.OutboxEntries.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) IncrementReconcileExhausted() {
	if m != nil {
		m.ReconcileExhausted.Inc()
	}
}
