// Package metric holds the prometheus collectors of the router and the
// shard servers.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txnrouter"

// Metrics is owned by one router or shard instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	refreshes  *prometheus.CounterVec
	retries    prometheus.Counter
	aborts     *prometheus.CounterVec
	statements *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	sessions   prometheus.Gauge
}

// New creates the collectors and registers them on reg. reg may be nil,
// e.g. in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "routing",
				Name:      "refreshes_total",
				Help:      "Counter of routing cache refreshes by shard and result.",
			}, []string{"shard", "result"}),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "stale_retries_total",
				Help:      "Counter of statements resent after a stale routing error.",
			}),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "aborts_total",
				Help:      "Counter of transaction aborts by reason.",
			}, []string{"reason"}),
		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "statements_total",
				Help:      "Counter of statements by command and result code.",
			}, []string{"command", "code"}),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "statement_duration_seconds",
				Help:      "Bucketed histogram of statement latency including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}, []string{"command"}),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "sessions",
				Help:      "Number of sessions known to the router.",
			}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.retries, m.aborts, m.statements, m.latency, m.sessions)
	}
	return m
}

// ObserveRefresh records one refresh; progress tells whether the cached
// entry changed.
func (m *Metrics) ObserveRefresh(shard string, progress bool, err error) {
	if m == nil {
		return
	}
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case progress:
		result = "progress"
	}
	m.refreshes.WithLabelValues(shard, result).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncAbort(reason string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(reason).Inc()
}

// ObserveStatement records the outcome of one statement as seen by the
// caller.
func (m *Metrics) ObserveStatement(command, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.statements.WithLabelValues(command, code).Inc()
	m.latency.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
