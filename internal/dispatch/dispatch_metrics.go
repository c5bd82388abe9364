package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the worker pool.
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	Rejected    *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_dispatch_jobs_total",
			Help: "Jobs handled by topic and outcome (ok, error, panic).",
		}, []string{"topic", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_dispatch_job_duration_seconds",
			Help:    "Duration of job handlers in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"topic"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_dispatch_rejected_total",
			Help: "Jobs rejected because the queue was full.",
		}, []string{"topic"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "incidentd_dispatch_queue_depth",
			Help: "Jobs waiting for a worker.",
		}),
	}
	reg.MustRegister(m.JobsTotal, m.JobDuration, m.Rejected, m.QueueDepth)
	return m
}

func (m *Metrics) job(topic, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(topic, outcome).Inc()
	m.JobDuration.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) rejected(topic string) {
	if m != nil {
		m.Rejected.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
