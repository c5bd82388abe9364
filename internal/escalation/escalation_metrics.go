package escalation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the escalation scheduler.
type Metrics struct {
	FiredTotal *prometheus.CounterVec
	Pending    prometheus.Gauge
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_escalations_fired_total",
			Help: "Escalation timers fired, by outcome.",
		}, []string{"outcome"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "incidentd_escalations_pending",
			Help: "Escalation timers armed but not yet fired.",
		}),
	}
	reg.MustRegister(m.FiredTotal, m.Pending)
	return m
}

func (m *Metrics) fired(outcome string) {
	if m != nil {
		m.FiredTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}
