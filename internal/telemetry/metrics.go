package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the kernel's metric set. It is registered against an injected
// registerer so embedders control exposure; tests use a fresh registry.
type Metrics struct {
	Executions        *prometheus.CounterVec
	CASPuts           prometheus.Counter
	CASGets           prometheus.Counter
	CASIntegrityFails prometheus.Counter
	MeterEvents       *prometheus.CounterVec
}

// NewMetrics builds and registers the metric set. A nil registerer yields a
// working but unregistered set, which is convenient for tests and embedders
// that do not scrape.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "requiem",
			Name:      "executions_total",
			Help:      "Executions by terminal error code.",
		}, []string{"error_code"}),
		CASPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requiem",
			Name:      "cas_puts_total",
			Help:      "Objects written to the CAS, including dedup hits.",
		}),
		CASGets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requiem",
			Name:      "cas_gets_total",
			Help:      "Object reads served by the CAS.",
		}),
		CASIntegrityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requiem",
			Name:      "cas_integrity_failures_total",
			Help:      "Reads that failed digest verification.",
		}),
		MeterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "requiem",
			Name:      "meter_events_total",
			Help:      "Meter events by disposition.",
		}, []string{"disposition"}),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.CASPuts, m.CASGets, m.CASIntegrityFails, m.MeterEvents)
	}
	return m
}

// ExecutionsByCode records one finished execution.
func (m *Metrics) ExecutionsByCode(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.Executions.WithLabelValues(code).Inc()
}
