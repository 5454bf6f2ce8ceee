package registration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registration outcomes used as metric labels.
const (
	OutcomeRegistered = "registered"
	OutcomeFiled      = "filed"
	OutcomeFailed     = "failed"
)

// Metrics records registration results. One instance is shared by all
// threads; a nil *Metrics records nothing.
type Metrics struct {
	registrations *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datastore",
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "Registration attempts by outcome and storage strategy.",
		}, []string{"thread", "outcome", "strategy"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datastore",
			Subsystem: "registration",
			Name:      "rollbacks_total",
			Help:      "Rolled back registrations by error category.",
		}, []string{"thread", "category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datastore",
			Subsystem: "registration",
			Name:      "duration_seconds",
			Help:      "Wall time of one registration attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"thread", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.registrations, m.rollbacks, m.duration)
	}
	return m
}

// Observe records one finished attempt.
func (m *Metrics) Observe(thread, outcome, strategy string, took time.Duration) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "NONE"
	}
	m.registrations.WithLabelValues(thread, outcome, strategy).Inc()
	m.duration.WithLabelValues(thread, outcome).Observe(took.Seconds())
}

// RolledBack records a compensated attempt.
func (m *Metrics) RolledBack(thread, category string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(thread, category).Inc()
}
