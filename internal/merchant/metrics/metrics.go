package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for merchant onboarding.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	BulkSize           *prometheus.HistogramVec
	AllocationRequests *prometheus.CounterVec
	PendingAllocation  prometheus.Gauge
	BreakerState       prometheus.Gauge
}

// New registers merchant metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_merchant_transitions_total",
			Help: "Merchant transition attempts by action and outcome code",
		}, []string{"action", "outcome"}),
		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_merchant_transition_duration_seconds",
			Help:    "Duration of the transition read-check-write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"action"}),
		BulkSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_merchant_bulk_size",
			Help:    "Number of distinct ids per bulk transition",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"action"}),
		AllocationRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_alias_requests_total",
			Help: "Alias allocation requests sent to the oracle by outcome code",
		}, []string{"outcome"}),
		PendingAllocation: f.NewGauge(prometheus.GaugeOpts{
			Name: "onboarding_merchants_waiting_alias",
			Help: "Merchants waiting for alias generation at the last retry sweep",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "onboarding_alias_breaker_open",
			Help: "1 while the alias allocator circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveTransition(action, outcome string, start time.Time) {
	m.Transitions.WithLabelValues(action, outcome).Inc()
	m.TransitionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveBulk(action string, size int) {
	m.BulkSize.WithLabelValues(action).Observe(float64(size))
}

func (m *Metrics) IncAllocationRequest(outcome string) {
	m.AllocationRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPendingAllocation(n int) {
	m.PendingAllocation.Set(float64(n))
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
