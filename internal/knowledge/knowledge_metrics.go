package knowledge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidEntry is returned when an entry lacks a title or solution.
var ErrInvalidEntry = errors.New("knowledge entry requires title and solution")

// Metrics holds Prometheus metrics for the knowledge retriever.
type Metrics struct {
	SearchesTotal  *prometheus.CounterVec
	SearchDuration prometheus.Histogram
	EntriesAdded   prometheus.Counter
}

// NewMetrics registers and returns knowledge metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_knowledge_searches_total",
			Help: "Knowledge searches by mode (vector, lexical, error).",
		}, []string{"mode"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentd_knowledge_search_duration_seconds",
			Help:    "Duration of knowledge searches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
		EntriesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentd_knowledge_entries_added_total",
			Help: "Knowledge entries indexed.",
		}),
	}
	reg.MustRegister(m.SearchesTotal, m.SearchDuration, m.EntriesAdded)
	return m
}

func (m *Metrics) search(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(mode).Inc()
	m.SearchDuration.Observe(seconds)
}

func (m *Metrics) added() {
	if m != nil {
		m.EntriesAdded.Inc()
	}
}
