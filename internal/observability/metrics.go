package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns the process's Prometheus registry and the
// rollout-engine metric families.
type MetricsCollector struct {
	registry *prometheus.Registry

	// Engine metrics
	ticksTotal         *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	occConflicts       prometheus.Counter
	activeRollouts     prometheus.Gauge
	rolloutTransitions *prometheus.CounterVec
	assignmentOutcomes *prometheus.CounterVec
	rollbacksTotal     *prometheus.CounterVec

	// Event bus metrics
	outboxPending   prometheus.Gauge
	outboxPublished prometheus.Counter

	// API metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	agentReportsTotal   *prometheus.CounterVec
	rateLimitRejections prometheus.Counter
}

// NewMetricsCollector builds a collector with its own registry.
func NewMetricsCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	mc := &MetricsCollector{
		registry: registry,

		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "ticks_total",
				Help:      "Total number of rollout reconcile ticks",
			},
			[]string{"result"}, // advanced, quiescent, error
		),

		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "tick_duration_seconds",
				Help:      "Reconcile tick duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		occConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "version_conflicts_total",
				Help:      "Total number of optimistic-concurrency conflicts",
			},
		),

		activeRollouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "active",
				Help:      "Number of rollouts in a non-terminal status",
			},
		),

		rolloutTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "transitions_total",
				Help:      "Total number of rollout status transitions",
			},
			[]string{"to_status"},
		),

		assignmentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "assignments",
				Name:      "outcomes_total",
				Help:      "Total number of terminal device assignment outcomes",
			},
			[]string{"status"},
		),

		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "rollouts",
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks performed",
			},
			[]string{"reason"},
		),

		outboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "signalbeam",
				Subsystem: "outbox",
				Name:      "pending",
				Help:      "Number of staged events not yet published",
			},
		),

		outboxPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Total number of events published to the bus",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "signalbeam",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		agentReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "agent",
				Name:      "reports_total",
				Help:      "Total number of agent state reports received",
			},
			[]string{"status"},
		),

		rateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "signalbeam",
				Subsystem: "agent",
				Name:      "rate_limit_rejections_total",
				Help:      "Total number of agent requests rejected by rate limiting",
			},
		),
	}

	registry.MustRegister(
		mc.ticksTotal,
		mc.tickDuration,
		mc.occConflicts,
		mc.activeRollouts,
		mc.rolloutTransitions,
		mc.assignmentOutcomes,
		mc.rollbacksTotal,
		mc.outboxPending,
		mc.outboxPublished,
		mc.httpRequestsTotal,
		mc.httpRequestDuration,
		mc.agentReportsTotal,
		mc.rateLimitRejections,
	)

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return mc
}

// RecordTick records one reconcile tick.
func (mc *MetricsCollector) RecordTick(result string, duration time.Duration) {
	mc.ticksTotal.WithLabelValues(result).Inc()
	mc.tickDuration.Observe(duration.Seconds())
}

// RecordVersionConflict counts one lost optimistic-concurrency race.
func (mc *MetricsCollector) RecordVersionConflict() {
	mc.occConflicts.Inc()
}

// SetActiveRollouts updates the active-rollout gauge.
func (mc *MetricsCollector) SetActiveRollouts(n int) {
	mc.activeRollouts.Set(float64(n))
}

// RecordRolloutTransition counts a rollout status change.
func (mc *MetricsCollector) RecordRolloutTransition(toStatus string) {
	mc.rolloutTransitions.WithLabelValues(toStatus).Inc()
}

// RecordAssignmentOutcome counts a terminal device assignment outcome.
func (mc *MetricsCollector) RecordAssignmentOutcome(status string) {
	mc.assignmentOutcomes.WithLabelValues(status).Inc()
}

// RecordRollback counts one rollback by reason.
func (mc *MetricsCollector) RecordRollback(reason string) {
	mc.rollbacksTotal.WithLabelValues(reason).Inc()
}

// SetOutboxPending updates the staged-event backlog gauge.
func (mc *MetricsCollector) SetOutboxPending(n int) {
	mc.outboxPending.Set(float64(n))
}

// RecordPublished counts events delivered to the bus.
func (mc *MetricsCollector) RecordPublished(n int) {
	mc.outboxPublished.Add(float64(n))
}

// RecordAgentReport counts one agent state report.
func (mc *MetricsCollector) RecordAgentReport(status string) {
	mc.agentReportsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitRejection counts one throttled agent request.
func (mc *MetricsCollector) RecordRateLimitRejection() {
	mc.rateLimitRejections.Inc()
}

// HTTPHandler exposes the registry for scraping.
func (mc *MetricsCollector) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware records request counts and latency per route.
func (mc *MetricsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w}

		next.ServeHTTP(wrapped, r)

		status := wrapped.status
		if status == 0 {
			status = http.StatusOK
		}
		mc.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", status)).Inc()
		mc.httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
