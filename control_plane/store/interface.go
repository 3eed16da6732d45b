package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a service, incident or record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrActiveIncidentExists is returned when a second OPEN/INVESTIGATING incident
	// would be created for the same service.
	ErrActiveIncidentExists = errors.New("store: service already has an active incident")
)

// IncidentFilter narrows ListIncidents. Zero fields match everything.
type IncidentFilter struct {
	ServiceID  string
	Status     IncidentStatus
	ActiveOnly bool
	// Since matches incidents created at or after the instant.
	Since      time.Time
	Limit      int
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	ServiceID string
	Action    Action
	Since     time.Time
	Limit     int
}

// PurgeStats reports how many rows a retention pass removed.
type PurgeStats struct {
	Probes  int
	Metrics int
	Scores  int
}

// Store is the persistence boundary of the engine.
// Memory and Postgres backends implement it; lists are returned in chronological order.
type Store interface {
	// Services
	UpsertService(ctx context.Context, svc *ManagedService) error
	GetService(ctx context.Context, id string) (*ManagedService, error)
	ListServices(ctx context.Context) ([]*ManagedService, error)
	// MutateService applies fn to the stored service atomically and returns the result.
	// Concurrent writers (health, scoring, lifecycle) each own different fields.
	MutateService(ctx context.Context, id string, fn func(*ManagedService) error) (*ManagedService, error)

	// Append-only observations
	AppendProbe(ctx context.Context, rec HealthProbeRecord) error
	ListProbes(ctx context.Context, serviceID string, since time.Time) ([]HealthProbeRecord, error)
	AppendMetrics(ctx context.Context, snap MetricsSnapshot) error
	ListMetrics(ctx context.Context, serviceID string, since time.Time) ([]MetricsSnapshot, error)
	AppendScore(ctx context.Context, rec ScoreRecord) error
	ListScores(ctx context.Context, serviceID string, since time.Time) ([]ScoreRecord, error)

	// Incidents
	// CreateIncident fails with ErrActiveIncidentExists if the service already has one active.
	CreateIncident(ctx context.Context, inc *Incident) error
	UpdateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	// ActiveIncident returns ErrNotFound when the service has no OPEN/INVESTIGATING incident.
	ActiveIncident(ctx context.Context, serviceID string) (*Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error)

	// Audit
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error)

	// Purge drops probe, metrics and score records older than cutoff.
	Purge(ctx context.Context, cutoff time.Time) (PurgeStats, error)
}
