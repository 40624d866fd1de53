// Package metrics exposes scheduler counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector set. A nil *Metrics is a valid no-op receiver so
// components can run unmetered (tests, tools).
type Metrics struct {
	firesTotal     *prometheus.CounterVec
	dispatchErrors prometheus.Counter
	mutationsTotal *prometheus.CounterVec
	tickDuration   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		firesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_schedule_fires_total",
			Help: "Total number of rules dispatched, by device type",
		}, []string{"device_type"}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homehub_schedule_dispatch_errors_total",
			Help: "Total number of failed dispatches (publish or log write)",
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homehub_schedule_mutations_total",
			Help: "Total number of successful rule mutations, by action",
		}, []string{"action"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "homehub_schedule_tick_duration_seconds",
			Help:    "Duration of one tick evaluation pass",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.firesTotal, m.dispatchErrors, m.mutationsTotal, m.tickDuration)
	return m
}

func (m *Metrics) RuleFired(deviceType string) {
	if m == nil {
		return
	}
	m.firesTotal.WithLabelValues(deviceType).Inc()
}

func (m *Metrics) DispatchError() {
	if m == nil {
		return
	}
	m.dispatchErrors.Inc()
}

func (m *Metrics) Mutation(action string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
