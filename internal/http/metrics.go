package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

// Metrics holds the API's Prometheus collectors. It implements the metric sinks
// of the recorder, the usage event pipeline, the query router and the admin gate.
// A nil *Metrics discards everything.
type Metrics struct {
	gatherer prometheus.Gatherer

	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	recorderOutcomes *prometheus.CounterVec
	recorderDegraded prometheus.Gauge
	eventsPersisted  prometheus.Counter
	eventsDropped    prometheus.Counter
	eventsRejected   *prometheus.CounterVec
	queryOutcomes    *prometheus.CounterVec
	adminChecks      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{gatherer: reg}
	m.requestTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	m.requestLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))

	m.rateLimitHits = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "key"}))

	m.recorderOutcomes = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "recorder",
		Name:      "records_total",
		Help:      "Performance records by outcome",
	}, []string{"outcome"}))

	m.recorderDegraded = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peep",
		Subsystem: "recorder",
		Name:      "degraded",
		Help:      "1 while the performance recorder is in degraded mode",
	}))

	m.eventsPersisted = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "events",
		Name:      "persisted_total",
		Help:      "Usage events written to the store",
	}))

	m.eventsDropped = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Usage events dropped after queueing or store failures",
	}))

	m.eventsRejected = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "events",
		Name:      "rejected_total",
		Help:      "Usage events rejected at the ingest endpoint",
	}, []string{"reason"}))

	m.queryOutcomes = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "query",
		Name:      "outcomes_total",
		Help:      "Metric queries by kind and outcome",
	}, []string{"kind", "outcome"}))

	m.adminChecks = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peep",
		Subsystem: "admin",
		Name:      "checks_total",
		Help:      "Admin gate decisions",
	}, []string{"outcome", "cached"}))
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordRateLimitHit(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (m *Metrics) recordRejected(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Add(float64(n))
}

// RecordOutcome counts a performance record outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.recorderOutcomes.WithLabelValues(outcome).Inc()
}

// SetDegraded tracks the recorder mode.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.recorderDegraded.Set(1)
		return
	}
	m.recorderDegraded.Set(0)
}

// EventsPersisted counts usage events written to the store.
func (m *Metrics) EventsPersisted(n int) {
	if m == nil {
		return
	}
	m.eventsPersisted.Add(float64(n))
}

// EventsDropped counts usage events that were accepted but never written.
func (m *Metrics) EventsDropped(n int) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(float64(n))
}

// ObserveQuery counts a query outcome.
func (m *Metrics) ObserveQuery(kind, outcome string) {
	if m == nil {
		return
	}
	m.queryOutcomes.WithLabelValues(kind, outcome).Inc()
}

// ObserveAdminCheck counts an admin gate decision.
func (m *Metrics) ObserveAdminCheck(outcome string, cached bool) {
	if m == nil {
		return
	}
	m.adminChecks.WithLabelValues(outcome, strconv.FormatBool(cached)).Inc()
}
