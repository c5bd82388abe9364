package classify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Metrics holds Prometheus metrics for the classifier.
type Metrics struct {
	ClassificationsTotal *prometheus.CounterVec
	Duration             *prometheus.HistogramVec
}

// NewMetrics registers and returns classifier metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_classifier_results_total",
			Help: "Classifier verdicts by path (knowledge, llm, error) and severity.",
		}, []string{"path", "severity"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_classifier_duration_seconds",
			Help:    "Duration of classification in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"path"}),
	}
	reg.MustRegister(m.ClassificationsTotal, m.Duration)
	return m
}

func (m *Metrics) observe(path string, sev incident.Severity, seconds float64) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(path, string(sev)).Inc()
	m.Duration.WithLabelValues(path).Observe(seconds)
}
