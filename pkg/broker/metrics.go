package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "chatbus"

// metrics holds the broker's collectors. Each broker owns its registry so
// several brokers can live in one process.
type metrics struct {
	registry *prometheus.Registry

	published        *prometheus.CounterVec
	delivered        *prometheus.CounterVec
	listenerFailures *prometheus.CounterVec
	tickErrors       *prometheus.CounterVec
	selfSkipped      prometheus.Counter
	duplicates       prometheus.Counter
	reaped           prometheus.Counter
	logRecords       prometheus.Gauge
	logSkipped       prometheus.Gauge
	listeners        prometheus.Gauge
}

func newMetrics(sessionID string) *metrics {
	labels := prometheus.Labels{"session": sessionID}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "records_published_total",
			Help:        "Records appended to the shared log by this process.",
			ConstLabels: labels,
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "events_delivered_total",
			Help:        "Listener invocations that returned without error.",
			ConstLabels: labels,
		}, []string{"event"}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "listener_failures_total",
			Help:        "Listener invocations that returned an error or panicked.",
			ConstLabels: labels,
		}, []string{"event"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "tick_errors_total",
			Help:        "Background ticks abandoned because of an error.",
			ConstLabels: labels,
		}, []string{"task"}),
		selfSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "self_records_skipped_total",
			Help:        "Log records skipped because this process wrote them.",
			ConstLabels: labels,
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "duplicate_records_skipped_total",
			Help:        "Log records skipped because they were already delivered.",
			ConstLabels: labels,
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_reaped_total",
			Help:        "Session descriptors deleted by this process's reaper.",
			ConstLabels: labels,
		}),
		logRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "log_records",
			Help:        "Records in the shared log at the last message tick.",
			ConstLabels: labels,
		}),
		logSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "log_corrupt_lines",
			Help:        "Undecodable lines in the shared log at the last message tick.",
			ConstLabels: labels,
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "listeners",
			Help:        "Listeners registered in this process.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published,
		m.delivered,
		m.listenerFailures,
		m.tickErrors,
		m.selfSkipped,
		m.duplicates,
		m.reaped,
		m.logRecords,
		m.logSkipped,
		m.listeners,
	)

	return m
}
