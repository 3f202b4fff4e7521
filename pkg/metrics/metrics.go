// Package metrics defines the Prometheus collectors of the scheduler.
//
// A nil *Metrics is valid and records nothing, so components take one
// without requiring callers to register collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "queues"

// Tick outcomes.
const (
	TickRan       = "ran"
	TickNotLeader = "not_leader"
	TickFailed    = "failed"
)

// Reasons a database was not dispatched.
const (
	SkipEmpty  = "empty"
	SkipMarker = "marker"
)

// Handoff failure kinds.
const (
	HandoffReleased = "released"
	HandoffRejected = "rejected"
)

// Metrics holds every collector.
type Metrics struct {
	Ticks            *prometheus.CounterVec
	DatabasesSkipped *prometheus.CounterVec
	DatabaseErrors   *prometheus.CounterVec
	QueueErrors      *prometheus.CounterVec
	JobsClaimed      *prometheus.CounterVec
	HandoffFailures  *prometheus.CounterVec
	JobsRecovered    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Recomputes       prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome.",
		}, []string{"result"}),
		DatabasesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "databases_skipped_total",
			Help:      "Databases not dispatched during a tick, by reason.",
		}, []string{"reason"}),
		DatabaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_errors_total",
			Help:      "Errors that caused a database to be skipped.",
		}, []string{"database"}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_errors_total",
			Help:      "Errors that rolled back the claims of one queue.",
		}, []string{"database", "queue"}),
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved from pending to progress.",
		}, []string{"database", "queue"}),
		HandoffFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_failures_total",
			Help:      "Claimed jobs the executor did not accept.",
		}, []string{"database", "kind"}),
		JobsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Jobs reset from progress to pending at startup.",
		}, []string{"database"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of one dispatcher pass over a database.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database"}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_requests_total",
			Help:      "Cluster recompute flags taken by the leader.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Ticks,
			m.DatabasesSkipped,
			m.DatabaseErrors,
			m.QueueErrors,
			m.JobsClaimed,
			m.HandoffFailures,
			m.JobsRecovered,
			m.DispatchDuration,
			m.Recomputes,
		)
	}
	return m
}

func (m *Metrics) Tick(result string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) DatabaseSkipped(reason string) {
	if m == nil {
		return
	}
	m.DatabasesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DatabaseError(database string) {
	if m == nil {
		return
	}
	m.DatabaseErrors.WithLabelValues(database).Inc()
}

func (m *Metrics) QueueError(database, queue string) {
	if m == nil {
		return
	}
	m.QueueErrors.WithLabelValues(database, queue).Inc()
}

func (m *Metrics) JobClaimed(database, queue string) {
	if m == nil {
		return
	}
	m.JobsClaimed.WithLabelValues(database, queue).Inc()
}

func (m *Metrics) HandoffFailed(database, kind string) {
	if m == nil {
		return
	}
	m.HandoffFailures.WithLabelValues(database, kind).Inc()
}

func (m *Metrics) Recovered(database string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsRecovered.WithLabelValues(database).Add(float64(n))
}

func (m *Metrics) ObserveDispatch(database string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(database).Observe(d.Seconds())
}

func (m *Metrics) Recompute() {
	if m == nil {
		return
	}
	m.Recomputes.Inc()
}
