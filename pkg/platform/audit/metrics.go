package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for audit recording.
type Metrics struct {
	Recorded      *prometheus.CounterVec
	WriteFailures prometheus.Counter
}

// NewMetrics registers audit metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_audit_records_total",
			Help: "Total number of audit records written, by outcome",
		}, []string{"outcome"}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_audit_write_failures_total",
			Help: "Total number of audit records that could not be persisted",
		}),
	}
}

// IncRecorded increments the recorded counter for outcome.
func (m *Metrics) IncRecorded(outcome Outcome) {
	m.Recorded.WithLabelValues(string(outcome)).Inc()
}

// IncWriteFailures increments the write failure counter.
func (m *Metrics) IncWriteFailures() {
	m.WriteFailures.Inc()
}
