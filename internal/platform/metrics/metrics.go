package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds process-level Prometheus metrics shared by every service.
type Metrics struct {
	ServiceUp *prometheus.GaugeVec
}

// New creates and registers the process metrics.
func New() *Metrics {
	return &Metrics{
		ServiceUp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careflow_service_up",
			Help: "1 while the named service is running",
		}, []string{"service"}),
	}
}

// MarkUp flags service as running.
func (m *Metrics) MarkUp(service string) {
	m.ServiceUp.WithLabelValues(service).Set(1)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
