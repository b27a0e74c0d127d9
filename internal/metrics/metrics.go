// Package metrics exposes the Prometheus collectors used across the delivery
// pipeline. Collectors live on an explicit registry owned by the process so
// tests can build isolated instances. All recording helpers are nil-safe.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docdelivery"

// Metrics groups every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	CacheRequests  *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge
	CacheBytes     prometheus.Gauge

	QueueLength      prometheus.Gauge
	ActiveOperations prometheus.Gauge
	QueueWait        prometheus.Histogram
	Tasks            *prometheus.CounterVec

	Attempts   *prometheus.CounterVec
	Deliveries *prometheus.CounterVec
	Alerts     *prometheus.CounterVec

	TokenValidations *prometheus.CounterVec

	Events *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Content cache lookups by result",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Content cache removals by reason",
		}, []string{"reason"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of live content cache entries",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Total payload bytes held by the content cache",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_length",
			Help:      "Tasks waiting for a worker slot",
		}),
		ActiveOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_operations",
			Help:      "Tasks currently holding a worker slot",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_wait_seconds",
			Help:      "Time spent waiting for a worker slot",
			Buckets:   prometheus.DefBuckets,
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_total",
			Help:      "Scheduler tasks by terminal state",
		}, []string{"state"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Retry-wrapped attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Orchestrated deliveries by outcome",
		}, []string{"outcome"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_alerts_total",
			Help:      "Operator alerts by notifier and result",
		}, []string{"notifier", "result"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Secure token validations by result",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Consumed payment events by outcome",
		}, []string{"outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheRequests,
		m.CacheEvictions,
		m.CacheEntries,
		m.CacheBytes,
		m.QueueLength,
		m.ActiveOperations,
		m.QueueWait,
		m.Tasks,
		m.Attempts,
		m.Deliveries,
		m.Alerts,
		m.TokenValidations,
		m.Events,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CacheSize(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
	m.CacheBytes.Set(float64(bytes))
}

func (m *Metrics) SchedulerState(queued, active int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(queued))
	m.ActiveOperations.Set(float64(active))
}

func (m *Metrics) TaskWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(d.Seconds())
}

func (m *Metrics) TaskFinished(state string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(state).Inc()
}

func (m *Metrics) Attempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Alert(notifier string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.Alerts.WithLabelValues(notifier, result).Inc()
}

func (m *Metrics) TokenValidation(result string) {
	if m == nil {
		return
	}
	m.TokenValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, http.StatusText(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
