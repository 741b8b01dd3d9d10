// Package metrics holds the Prometheus collectors for scheduling activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bellkeeper"

type Metrics struct {
	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	scheduled         prometheus.Gauge
	nightlyChecks     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	timeOffset        prometheus.Gauge
	timeSyncFailures  *prometheus.CounterVec
	channelFailures   prometheus.Counter
}

// MustNew registers the collectors with reg (the default registerer when nil).
// Collectors already registered under the same name are reused, so tests and
// repeated construction do not panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		reconcileRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "reconcile_runs_total",
			Help: "Reconcile runs by result.",
		}, []string{"result"})),
		reconcileDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "reconcile_duration_seconds",
			Help:    "Wall time of a reconcile run, flush to submit.",
			Buckets: prometheus.DefBuckets,
		})),
		scheduled: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "scheduled_instances",
			Help: "Instances submitted by the last successful reconcile.",
		})),
		nightlyChecks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nightly", Name: "checks_total",
			Help: "Nightly checks by outcome.",
		}, []string{"outcome"})),
		deliveries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "events_total",
			Help: "Delivered notifications by category, retry level and outcome.",
		}, []string{"category", "level", "outcome"})),
		timeOffset: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timesync", Name: "offset_seconds",
			Help: "Current reference minus device clock.",
		})),
		timeSyncFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timesync", Name: "failures_total",
			Help: "Failed time-sync attempts by endpoint.",
		}, []string{"endpoint"})),
		channelFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channels", Name: "create_failures_total",
			Help: "Channel creation calls that failed.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveReconcile(result string, took time.Duration, scheduled int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.reconcileDuration.Observe(took.Seconds())
	if result == "ok" || result == "empty" {
		m.scheduled.Set(float64(scheduled))
	} else {
		m.scheduled.Set(0)
	}
}

func (m *Metrics) IncNightly(outcome string) {
	if m == nil {
		return
	}
	m.nightlyChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncDelivery(category, level, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(category, level, outcome).Inc()
}

func (m *Metrics) SetTimeOffset(d time.Duration) {
	if m == nil {
		return
	}
	m.timeOffset.Set(d.Seconds())
}

func (m *Metrics) IncTimeSyncFailure(endpoint string) {
	if m == nil {
		return
	}
	m.timeSyncFailures.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) AddChannelFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.channelFailures.Add(float64(n))
}
