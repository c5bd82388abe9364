package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident subsystem.
type Metrics struct {
	SubmitsTotal        *prometheus.CounterVec
	ProcessDuration     *prometheus.HistogramVec
	ClassificationTotal *prometheus.CounterVec
	IntegrationCalls    *prometheus.CounterVec
	IntegrationDuration *prometheus.HistogramVec
	InvalidEnumTotal    *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	EscalationsArmed    prometheus.Counter
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_submits_total",
			Help: "Incident submissions by result.",
		}, []string{"result"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_process_duration_seconds",
			Help:    "Duration of full incident processing runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"severity"}),
		ClassificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_classifications_total",
			Help: "Persisted classifications by severity.",
		}, []string{"severity"}),
		IntegrationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_integration_calls_total",
			Help: "Fan-out integration calls by integration and outcome.",
		}, []string{"integration", "outcome"}),
		IntegrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_integration_duration_seconds",
			Help:    "Duration of fan-out integration calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"integration"}),
		InvalidEnumTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_invalid_enum_total",
			Help: "Submitted enum values that were ignored because they did not parse.",
		}, []string{"field"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_status_transitions_total",
			Help: "Incident status transitions by target status.",
		}, []string{"to"}),
		EscalationsArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentd_escalations_armed_total",
			Help: "Escalation calls armed for high severity incidents.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.ProcessDuration,
		m.ClassificationTotal,
		m.IntegrationCalls,
		m.IntegrationDuration,
		m.InvalidEnumTotal,
		m.TransitionsTotal,
		m.EscalationsArmed,
	)

	return m
}

func (m *Metrics) submit(result string) {
	if m != nil {
		m.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) integration(name, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.IntegrationCalls.WithLabelValues(name, outcome).Inc()
	m.IntegrationDuration.WithLabelValues(name).Observe(seconds)
}

func (m *Metrics) invalidEnum(field string) {
	if m != nil {
		m.InvalidEnumTotal.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) transition(to Status) {
	if m != nil {
		m.TransitionsTotal.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) classified(sev Severity) {
	if m != nil {
		m.ClassificationTotal.WithLabelValues(string(sev)).Inc()
	}
}

func (m *Metrics) processed(sev Severity, seconds float64) {
	if m != nil {
		m.ProcessDuration.WithLabelValues(string(sev)).Observe(seconds)
	}
}

func (m *Metrics) escalationArmed() {
	if m != nil {
		m.EscalationsArmed.Inc()
	}
}
