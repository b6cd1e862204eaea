package traffic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instrumentation for a Controller. Field
// names and registration style follow internal/telemetry/telemetry.go's
// Metrics type, trimmed to what the scheduler itself observes.
type metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	queueDepth   *prometheus.GaugeVec
	queueWaitSec *prometheus.HistogramVec

	concurrencyInUse *prometheus.GaugeVec

	rateLimitHits    *prometheus.CounterVec
	rateLimitWaitSec *prometheus.HistogramVec

	circuitBreakerState *prometheus.GaugeVec
	circuitOpens        *prometheus.CounterVec

	fallbackInvocations *prometheus.CounterVec
	fallbackSuccess     *prometheus.CounterVec

	retryAttempts *prometheus.CounterVec

	adaptivePenaltyMs *prometheus.GaugeVec

	wakeupsCoalesced prometheus.Counter
}

// newMetrics creates and registers all traffic-controller metrics. A nil
// registerer falls back to prometheus.DefaultRegisterer, matching
// internal/telemetry.NewMetrics.
func newMetrics(registry prometheus.Registerer) *metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_requests_total",
				Help: "Total number of requests handled by the traffic controller",
			},
			[]string{"route", "tenant_id", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traffic_request_duration_seconds",
				Help:    "End-to-end duration from Handle() to result delivery",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route", "tenant_id"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "traffic_requests_in_flight",
				Help: "Number of requests currently executing against upstream",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_queue_depth",
				Help: "Number of requests currently queued, by priority",
			},
			[]string{"priority"},
		),
		queueWaitSec: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traffic_queue_wait_seconds",
				Help:    "Time a request spent queued before dispatch",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"priority", "tenant_id"},
		),
		concurrencyInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_concurrency_in_use",
				Help: "In-flight slots currently held, by dimension",
			},
			[]string{"dimension", "key"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_rate_limit_hits_total",
				Help: "Total times a request was deferred by the rate limiter",
			},
			[]string{"route"},
		),
		rateLimitWaitSec: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traffic_rate_limit_wait_seconds",
				Help:    "Time a request waited on rate-limit pacing",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"route"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"route"},
		),
		circuitOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_circuit_opens_total",
				Help: "Total transitions into the open state",
			},
			[]string{"route"},
		),
		fallbackInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_fallback_invocations_total",
				Help: "Total times a request was routed to a fallback target",
			},
			[]string{"primary_route", "fallback_route"},
		),
		fallbackSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_fallback_success_total",
				Help: "Total fallback executions that completed successfully",
			},
			[]string{"fallback_route"},
		),
		retryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_retry_attempts_total",
				Help: "Total retry attempts, by failure classification",
			},
			[]string{"route", "reason"},
		),
		adaptivePenaltyMs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_adaptive_penalty_ms",
				Help: "Current adaptive back-pressure penalty, by tenant and route",
			},
			[]string{"tenant_id", "route"},
		),
		wakeupsCoalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "traffic_wakeups_coalesced_total",
				Help: "Total scheduler wakeup timer resets coalesced into a single timer",
			},
		),
	}
}

// recordCircuitState mirrors telemetry.Metrics.UpdateCircuitBreakerState's
// string-to-gauge-value mapping.
func (m *metrics) recordCircuitState(route RouteKey, state circuitState) {
	var v float64
	switch state {
	case circuitClosed:
		v = 0
	case circuitHalfOpen:
		v = 1
	case circuitOpen:
		v = 2
	}
	m.circuitBreakerState.WithLabelValues(string(route)).Set(v)
}

// observeQueueWait records time spent in queue before a dispatch decision.
func (m *metrics) observeQueueWait(priority Priority, tenantID string, waited time.Duration) {
	m.queueWaitSec.WithLabelValues(priority.String(), tenantID).Observe(waited.Seconds())
}
