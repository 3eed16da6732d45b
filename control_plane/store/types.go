package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceKind separates the fast backend health cadence from the slower frontend one.
type ServiceKind string

const (
	KindBackend  ServiceKind = "BACKEND"
	KindFrontend ServiceKind = "FRONTEND"
)

// HealthStatus is the derived health of a managed service.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "HEALTHY"
	StatusDegraded HealthStatus = "DEGRADED"
	StatusCritical HealthStatus = "CRITICAL"
	StatusDown     HealthStatus = "DOWN"
	StatusUnknown  HealthStatus = "UNKNOWN"
)

// IsUnhealthy reports whether the status should raise or escalate an incident.
func (s HealthStatus) IsUnhealthy() bool {
	return s == StatusDegraded || s == StatusCritical || s == StatusDown
}

// RiskTrend compares the current risk window against the previous one.
type RiskTrend string

const (
	TrendImproving RiskTrend = "IMPROVING"
	TrendStable    RiskTrend = "STABLE"
	TrendDegrading RiskTrend = "DEGRADING"
)

// ProbeKind distinguishes health probes from metrics scrapes.
type ProbeKind string

const (
	ProbeHealth  ProbeKind = "HEALTH"
	ProbeMetrics ProbeKind = "METRICS"
)

// Severity is ordered: LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordinal of the severity; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "OPEN"
	IncidentInvestigating IncidentStatus = "INVESTIGATING"
	IncidentResolved      IncidentStatus = "RESOLVED"
	IncidentClosed        IncidentStatus = "CLOSED"
)

// IsActive reports whether the status counts towards the one-active-incident limit.
func (s IncidentStatus) IsActive() bool {
	return s == IncidentOpen || s == IncidentInvestigating
}

// DetectionSource records what raised an incident.
type DetectionSource string

const (
	SourceHealthCheck DetectionSource = "HEALTH_CHECK"
	SourceAnomaly     DetectionSource = "ANOMALY"
	SourceManual      DetectionSource = "MANUAL"
)

// Action is one of the whitelisted lifecycle actions.
type Action string

const (
	ActionStart     Action = "START"
	ActionStop      Action = "STOP"
	ActionRestart   Action = "RESTART"
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
)

// ParseAction validates a caller-supplied action name against the whitelist.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionStop, ActionRestart, ActionScaleUp, ActionScaleDown:
		return a, nil
	}
	return "", fmt.Errorf("unsupported lifecycle action %q", s)
}

// IsDestructive reports whether the action requires explicit confirmation.
func (a Action) IsDestructive() bool {
	return a == ActionStop || a == ActionRestart || a == ActionScaleDown
}

// Outcome is the result recorded in an audit record.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeRejected Outcome = "REJECTED"
)

// ScoreSource records whether the analyzer contributed to a risk score.
type ScoreSource string

const (
	ScoreFromAnalyzer ScoreSource = "ANALYZER"
	ScoreFromFallback ScoreSource = "FALLBACK"
)

// Descriptor tells probes and executors how to reach a service.
type Descriptor struct {
	Scheme      string `json:"scheme" yaml:"scheme" db:"scheme"`
	Host        string `json:"host" yaml:"host" db:"host"`
	Port        int    `json:"port" yaml:"port" db:"port"`
	HealthPath  string `json:"health_path" yaml:"healthPath" db:"health_path"`
	MetricsPath string `json:"metrics_path" yaml:"metricsPath" db:"metrics_path"`
	// AgentURL is the lifecycle agent endpoint that performs start/stop/scale.
	AgentURL string `json:"agent_url" yaml:"agentURL" db:"agent_url"`
}

// BaseURL returns scheme://host:port.
func (d Descriptor) BaseURL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.Host, d.Port)
}

// HostKey identifies the remote host for per-host limits.
func (d Descriptor) HostKey() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Thresholds overrides the global warning/critical limits for one service.
// Zero fields fall back to the global configuration.
type Thresholds struct {
	WarningErrorRate  float64 `json:"warning_error_rate,omitempty" yaml:"warningErrorRate"`
	CriticalErrorRate float64 `json:"critical_error_rate,omitempty" yaml:"criticalErrorRate"`
	WarningLatencyMs  float64 `json:"warning_latency_ms,omitempty" yaml:"warningLatencyMs"`
	CriticalLatencyMs float64 `json:"critical_latency_ms,omitempty" yaml:"criticalLatencyMs"`
}

// ManagedService is the core-owned state of one registered service.
type ManagedService struct {
	ID            string      `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	Descriptor    Descriptor  `json:"descriptor" db:"descriptor"`
	Kind          ServiceKind `json:"kind" db:"kind"`
	Enabled       bool        `json:"enabled" db:"enabled"`
	IsRunning     bool        `json:"is_running" db:"is_running"`
	InstanceCount int         `json:"instance_count" db:"instance_count"`
	Thresholds    Thresholds  `json:"thresholds" db:"thresholds"`

	HealthStatus    HealthStatus `json:"health_status" db:"health_status"`
	// EvaluatedStatus is the last status the incident machine acted on. It trails
	// HealthStatus until the incident decision for that status is persisted.
	EvaluatedStatus HealthStatus `json:"evaluated_status" db:"evaluated_status"`
	CPUPercent      float64      `json:"cpu_percent" db:"cpu_percent"`
	MemoryPercent   float64      `json:"memory_percent" db:"memory_percent"`
	ResponseTimeMs  float64      `json:"response_time_ms" db:"response_time_ms"`
	ErrorRate       float64      `json:"error_rate" db:"error_rate"`

	StabilityScore float64   `json:"stability_score" db:"stability_score"`
	RiskScore      float64   `json:"risk_score" db:"risk_score"`
	RiskTrend      RiskTrend `json:"risk_trend" db:"risk_trend"`

	LastHealthCheck       time.Time `json:"last_health_check" db:"last_health_check"`
	LastMetricsCollection time.Time `json:"last_metrics_collection" db:"last_metrics_collection"`
	LastRestartAt         time.Time `json:"last_restart_at" db:"last_restart_at"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// NewManagedService builds a service with its required defaults populated.
func NewManagedService(id, name string, kind ServiceKind, d Descriptor, now time.Time) (*ManagedService, error) {
	if id == "" {
		return nil, errors.New("service id is required")
	}
	if kind != KindBackend && kind != KindFrontend {
		return nil, fmt.Errorf("service %s: unknown kind %q", id, kind)
	}
	if d.Host == "" || d.Port <= 0 {
		return nil, fmt.Errorf("service %s: descriptor needs host and port", id)
	}
	if name == "" {
		name = id
	}
	return &ManagedService{
		ID:              id,
		Name:            name,
		Descriptor:      d,
		Kind:            kind,
		Enabled:         true,
		IsRunning:       true,
		InstanceCount:   1,
		HealthStatus:    StatusUnknown,
		EvaluatedStatus: StatusUnknown,
		StabilityScore:  100,
		RiskScore:       0,
		RiskTrend:       TrendStable,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// HealthProbeRecord is one immutable probe observation.
type HealthProbeRecord struct {
	ID             string            `json:"id" db:"id"`
	ServiceID      string            `json:"service_id" db:"service_id"`
	Timestamp      time.Time         `json:"timestamp" db:"timestamp"`
	Status         HealthStatus      `json:"status" db:"status"`
	Kind           ProbeKind         `json:"kind" db:"kind"`
	Reachable      bool              `json:"reachable" db:"reachable"`
	StatusCode     int               `json:"status_code" db:"status_code"`
	ResponseTimeMs float64           `json:"response_time_ms" db:"response_time_ms"`
	Components     map[string]string `json:"components,omitempty" db:"components"`
	ErrorMessage   string            `json:"error_message,omitempty" db:"error_message"`
}

// Well-known metrics keys.
const (
	MetricCPUPercent    = "cpu_percent"
	MetricMemoryPercent = "memory_percent"
	MetricErrorRate     = "error_rate"
	MetricLatencyP50    = "latency_p50_ms"
	MetricLatencyP95    = "latency_p95_ms"
	MetricLatencyP99    = "latency_p99_ms"
	MetricThreads       = "threads"
	MetricGCPauseMs     = "gc_pause_ms"
)

// MetricsSnapshot is one immutable bag of counters.
type MetricsSnapshot struct {
	ID        string             `json:"id" db:"id"`
	ServiceID string             `json:"service_id" db:"service_id"`
	Timestamp time.Time          `json:"timestamp" db:"timestamp"`
	Values    map[string]float64 `json:"values" db:"values"`
}

// NewMetricsSnapshot copies values so later mutation of the caller's map is harmless.
func NewMetricsSnapshot(serviceID string, ts time.Time, values map[string]float64) MetricsSnapshot {
	v := make(map[string]float64, len(values))
	for k, val := range values {
		v[k] = val
	}
	return MetricsSnapshot{ID: uuid.NewString(), ServiceID: serviceID, Timestamp: ts, Values: v}
}

func (m MetricsSnapshot) CPU() float64       { return m.Values[MetricCPUPercent] }
func (m MetricsSnapshot) Memory() float64    { return m.Values[MetricMemoryPercent] }
func (m MetricsSnapshot) ErrorRate() float64 { return m.Values[MetricErrorRate] }

// Latency prefers p95 and falls back to p50.
func (m MetricsSnapshot) Latency() float64 {
	if v, ok := m.Values[MetricLatencyP95]; ok {
		return v
	}
	return m.Values[MetricLatencyP50]
}

// ScoreRecord is the per-cycle scoring output used for trend comparisons.
type ScoreRecord struct {
	ServiceID      string      `json:"service_id" db:"service_id"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	RiskScore      float64     `json:"risk_score" db:"risk_score"`
	StabilityScore float64     `json:"stability_score" db:"stability_score"`
	Source         ScoreSource `json:"source" db:"source"`
}

// Incident is a mutable record that moves OPEN -> INVESTIGATING -> RESOLVED -> CLOSED.
type Incident struct {
	ID              string          `json:"id" db:"id"`
	ServiceID       string          `json:"service_id" db:"service_id"`
	Title           string          `json:"title" db:"title"`
	Severity        Severity        `json:"severity" db:"severity"`
	Status          IncidentStatus  `json:"status" db:"status"`
	Source          DetectionSource `json:"source" db:"source"`
	AnalyzerSummary string          `json:"analyzer_summary,omitempty" db:"analyzer_summary"`
	Recommendation  string          `json:"recommendation,omitempty" db:"recommendation"`
	Confidence      float64         `json:"confidence,omitempty" db:"confidence"`
	EscalationCount int             `json:"escalation_count" db:"escalation_count"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     string     `json:"resolved_by,omitempty" db:"resolved_by"`
	Resolution     string     `json:"resolution,omitempty" db:"resolution"`
	ClosedAt       *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// RunState is the before/after view of a service captured by an audit record.
type RunState struct {
	IsRunning     bool `json:"is_running"`
	InstanceCount int  `json:"instance_count"`
}

// ActionParams are the caller parameters recorded verbatim.
type ActionParams struct {
	Reason          string `json:"reason,omitempty"`
	Confirmed       bool   `json:"confirmed"`
	TargetInstances int    `json:"target_instances,omitempty"`
}

// AuditRecord is written exactly once per lifecycle-action invocation.
type AuditRecord struct {
	ID        string       `json:"id" db:"id"`
	ServiceID string       `json:"service_id" db:"service_id"`
	Principal string       `json:"principal" db:"principal"`
	Role      string       `json:"role" db:"role"`
	Action    Action       `json:"action" db:"action"`
	Params    ActionParams `json:"params" db:"params"`

	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`

	Reason    string `json:"reason,omitempty" db:"reason"`
	Automated bool   `json:"automated" db:"automated"`

	Outcome       Outcome `json:"outcome" db:"outcome"`
	RejectionCode string  `json:"rejection_code,omitempty" db:"rejection_code"`
	Message       string  `json:"message,omitempty" db:"message"`
	ErrorDetail   string  `json:"error_detail,omitempty" db:"error_detail"`

	Before RunState `json:"before" db:"before"`
	After  RunState `json:"after" db:"after"`

	ConfirmationRequired bool     `json:"confirmation_required" db:"confirmation_required"`
	Confirmed            bool     `json:"confirmed" db:"confirmed"`
	RiskLevel            Severity `json:"risk_level" db:"risk_level"`
}

// Rejected is a convenience for callers mapping outcomes to responses.
func (a *AuditRecord) Rejected() bool { return a.Outcome == OutcomeRejected }
