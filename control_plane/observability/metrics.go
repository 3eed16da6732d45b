package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeLatency tracks probe round-trip time by probe kind.
	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxguard_probe_latency_seconds",
		Help:    "Latency of health and metrics probes",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"probe_kind"})

	// ProbeFailures counts probes that ended in a ProbeFailure, by failure kind.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_probe_failures_total",
		Help: "Probes that failed before a usable response was read",
	}, []string{"kind"}) // TIMEOUT, UNREACHABLE, BAD_STATUS, DECODE

	// ServiceHealth exposes the derived status per service (1 on the current status label).
	ServiceHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxguard_service_health",
		Help: "Derived health status per service (1 = current status)",
	}, []string{"service_id", "status"})

	// HealthTransitions counts status changes.
	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_health_transitions_total",
		Help: "Health status transitions",
	}, []string{"from", "to"})

	// RiskScore and StabilityScore mirror the latest scores per service.
	RiskScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxguard_risk_score",
		Help: "Latest risk score per service (0-100)",
	}, []string{"service_id"})

	StabilityScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxguard_stability_score",
		Help: "Latest stability score per service (0-100)",
	}, []string{"service_id"})

	// AnalyzerFallbacks counts scoring cycles that used the deterministic fallback.
	AnalyzerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_analyzer_fallbacks_total",
		Help: "Scoring cycles that fell back to the deterministic risk formula",
	}, []string{"reason"}) // timeout, unavailable, circuit_open, error

	// AnalyzerCircuitState tracks the analyzer circuit breaker.
	AnalyzerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxguard_analyzer_circuit_state",
		Help: "Analyzer circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// IncidentsOpened / IncidentsResolved / IncidentEscalations track the incident machine.
	IncidentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_incidents_opened_total",
		Help: "Incidents opened",
	}, []string{"source", "severity"})

	IncidentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_incidents_resolved_total",
		Help: "Incidents resolved",
	}, []string{"mode"}) // auto, manual

	IncidentEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxguard_incident_escalations_total",
		Help: "Severity increases on active incidents",
	})

	// LifecycleActions counts lifecycle invocations by action and outcome.
	LifecycleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_lifecycle_actions_total",
		Help: "Lifecycle action invocations",
	}, []string{"action", "outcome", "rejection_code"})

	// LifecycleDuration tracks executor time for actions that reached the executor.
	LifecycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxguard_lifecycle_duration_seconds",
		Help:    "Executor duration of lifecycle actions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"action"})

	// LifecycleOverruns counts executor calls still running after their timeout.
	LifecycleOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_lifecycle_executor_overruns_total",
		Help: "Executor calls that ignored their deadline",
	}, []string{"action"})

	// TickDuration tracks how long each scheduler tick takes.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxguard_tick_duration_seconds",
		Help:    "Duration of a scheduler tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"tick"})

	// TicksSkipped counts firings dropped because the previous run was still active.
	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_ticks_skipped_total",
		Help: "Tick firings skipped because the previous run had not finished",
	}, []string{"tick"})

	// UnitFailures counts per-service units that errored or panicked inside a tick.
	UnitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_unit_failures_total",
		Help: "Per-service units that failed inside a tick",
	}, []string{"tick", "reason"}) // error, panic, timeout

	// PersistRetries counts persistence writes that needed their single retry.
	PersistRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_persist_retries_total",
		Help: "Persistence writes retried",
	}, []string{"operation"})

	// RetentionPurged counts rows removed by the retention tick.
	RetentionPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_retention_purged_total",
		Help: "Records removed by retention",
	}, []string{"kind"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "sink"})

	// EventsDropped counts events the async emitter discarded without publishing.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_events_dropped_total",
		Help: "Events discarded by the async emitter (queue full or closed)",
	}, []string{"reason"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fluxguard_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LeaderStatus is 1 while this replica holds scheduler leadership.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxguard_scheduler_leader",
		Help: "1 if this replica runs the scheduler ticks",
	})

	// ConnectedDashboards tracks the number of open dashboard websockets.
	ConnectedDashboards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxguard_connected_dashboards",
		Help: "Current number of connected dashboard clients",
	})
)

// allStatuses is kept here so the gauge can be zeroed without importing store.
var allStatuses = []string{"HEALTHY", "DEGRADED", "CRITICAL", "DOWN", "UNKNOWN"}

// SetServiceHealth sets the status gauge to 1 for current and 0 for every other status.
func SetServiceHealth(serviceID, current string) {
	for _, st := range allStatuses {
		v := 0.0
		if st == current {
			v = 1
		}
		ServiceHealth.WithLabelValues(serviceID, st).Set(v)
	}
}
