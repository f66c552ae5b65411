// Package metrics exposes Prometheus instrumentation for ingestion,
// notification dispatch and counter maintenance.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faultline"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	submissions      *prometheus.CounterVec
	submitDuration   prometheus.Histogram
	notifications    *prometheus.CounterVec
	counterRefreshes *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Error report submissions by outcome.",
		}, []string{"outcome"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time spent in the create-or-merge pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Per-recipient notification dispatches by kind and result.",
		}, []string{"kind", "result"}),
		counterRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_refreshes_total",
			Help:      "Project counter refreshes by trigger and result.",
		}, []string{"trigger", "result"}),
	}
	m.registry.MustRegister(
		m.submissions,
		m.submitDuration,
		m.notifications,
		m.counterRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSubmission counts a submission. outcome is a transition name or a failure class.
func (m *Metrics) RecordSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitDuration.Observe(took.Seconds())
}

// RecordNotification counts one recipient dispatch.
func (m *Metrics) RecordNotification(kind string, ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result(ok)).Inc()
}

// RecordCounterRefresh counts a counter refresh attempt sequence.
func (m *Metrics) RecordCounterRefresh(trigger string, ok bool) {
	if m == nil {
		return
	}
	m.counterRefreshes.WithLabelValues(trigger, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
