package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for alias allocation and lookup.
type Metrics struct {
	AliasesAllocated   prometheus.Counter
	Batches            *prometheus.CounterVec
	Replays            prometheus.Counter
	Conflicts          prometheus.Counter
	AllocationDuration prometheus.Histogram
	Lookups            *prometheus.CounterVec
}

// New registers alias metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AliasesAllocated: f.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_aliases_allocated_total",
			Help: "Total number of aliases persisted",
		}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_alias_batches_total",
			Help: "Allocation batches by outcome code",
		}, []string{"outcome"}),
		Replays: f.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_alias_idempotent_replays_total",
			Help: "Allocation requests answered from a previous reply",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_alias_conflict_retries_total",
			Help: "Allocation attempts retried after a unique constraint conflict",
		}),
		AllocationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onboarding_alias_allocation_duration_seconds",
			Help:    "Duration of the allocation critical section",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_participant_lookups_total",
			Help: "Participant lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveBatch(outcome string, allocated int) {
	m.Batches.WithLabelValues(outcome).Inc()
	m.AliasesAllocated.Add(float64(allocated))
}

func (m *Metrics) IncReplay() {
	m.Replays.Inc()
}

func (m *Metrics) IncConflict() {
	m.Conflicts.Inc()
}

// ObserveAllocation records the duration of an allocation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveAllocation(start time.Time) {
	m.AllocationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Lookups.WithLabelValues(result).Inc()
}
