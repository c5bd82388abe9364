package voice

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the voice pipeline.
type Metrics struct {
	RecordingsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns voice metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_voice_recordings_total",
			Help: "Voice recordings by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.RecordingsTotal)
	return m
}

func (m *Metrics) recording(outcome string) {
	if m != nil {
		m.RecordingsTotal.WithLabelValues(outcome).Inc()
	}
}
