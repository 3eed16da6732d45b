package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE raised by the one-active-incident partial index.
const uniqueViolation = "23505"

// Schema creates every table the PostgresStore needs. Migrate applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	descriptor JSONB NOT NULL,
	kind TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	is_running BOOLEAN NOT NULL,
	instance_count INTEGER NOT NULL,
	thresholds JSONB NOT NULL,
	health_status TEXT NOT NULL,
	cpu_percent DOUBLE PRECISION NOT NULL,
	memory_percent DOUBLE PRECISION NOT NULL,
	response_time_ms DOUBLE PRECISION NOT NULL,
	error_rate DOUBLE PRECISION NOT NULL,
	stability_score DOUBLE PRECISION NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	risk_trend TEXT NOT NULL,
	last_health_check TIMESTAMPTZ NOT NULL,
	last_metrics_collection TIMESTAMPTZ NOT NULL,
	last_restart_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	evaluated_status TEXT NOT NULL DEFAULT 'UNKNOWN'
);
ALTER TABLE services ADD COLUMN IF NOT EXISTS evaluated_status TEXT NOT NULL DEFAULT 'UNKNOWN';

CREATE TABLE IF NOT EXISTS health_probes (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	reachable BOOLEAN NOT NULL,
	status_code INTEGER NOT NULL,
	response_time_ms DOUBLE PRECISION NOT NULL,
	components JSONB,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS health_probes_service_ts ON health_probes (service_id, ts);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	metric_values JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_snapshots_service_ts ON metrics_snapshots (service_id, ts);

CREATE TABLE IF NOT EXISTS score_records (
	service_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	stability_score DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS score_records_service_ts ON score_records (service_id, ts);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	title TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	analyzer_summary TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	escalation_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	acknowledged_at TIMESTAMPTZ,
	acknowledged_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT '',
	closed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS incidents_one_active
	ON incidents (service_id) WHERE status IN ('OPEN', 'INVESTIGATING');

CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	principal TEXT NOT NULL,
	role TEXT NOT NULL,
	action TEXT NOT NULL,
	params JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	automated BOOLEAN NOT NULL,
	outcome TEXT NOT NULL,
	rejection_code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	before_state JSONB NOT NULL,
	after_state JSONB NOT NULL,
	confirmation_required BOOLEAN NOT NULL,
	confirmed BOOLEAN NOT NULL,
	risk_level TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_service_started ON audit_records (service_id, started_at);
`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Service Operations ---

const serviceColumns = `id, name, descriptor, kind, enabled, is_running, instance_count, thresholds,
	health_status, cpu_percent, memory_percent, response_time_ms, error_rate,
	stability_score, risk_score, risk_trend,
	last_health_check, last_metrics_collection, last_restart_at, created_at, updated_at,
	evaluated_status`

func (s *PostgresStore) UpsertService(ctx context.Context, svc *ManagedService) error {
	query := `
		INSERT INTO services (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			descriptor = EXCLUDED.descriptor,
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			is_running = EXCLUDED.is_running,
			instance_count = EXCLUDED.instance_count,
			thresholds = EXCLUDED.thresholds,
			health_status = EXCLUDED.health_status,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_percent = EXCLUDED.memory_percent,
			response_time_ms = EXCLUDED.response_time_ms,
			error_rate = EXCLUDED.error_rate,
			stability_score = EXCLUDED.stability_score,
			risk_score = EXCLUDED.risk_score,
			risk_trend = EXCLUDED.risk_trend,
			last_health_check = EXCLUDED.last_health_check,
			last_metrics_collection = EXCLUDED.last_metrics_collection,
			last_restart_at = EXCLUDED.last_restart_at,
			updated_at = EXCLUDED.updated_at,
			evaluated_status = EXCLUDED.evaluated_status
	`
	_, err := s.pool.Exec(ctx, query,
		svc.ID, svc.Name, svc.Descriptor, svc.Kind, svc.Enabled, svc.IsRunning, svc.InstanceCount, svc.Thresholds,
		svc.HealthStatus, svc.CPUPercent, svc.MemoryPercent, svc.ResponseTimeMs, svc.ErrorRate,
		svc.StabilityScore, svc.RiskScore, svc.RiskTrend,
		svc.LastHealthCheck, svc.LastMetricsCollection, svc.LastRestartAt, svc.CreatedAt, svc.UpdatedAt,
		svc.EvaluatedStatus,
	)
	return err
}

func scanService(row pgx.Row) (*ManagedService, error) {
	var svc ManagedService
	err := row.Scan(
		&svc.ID, &svc.Name, &svc.Descriptor, &svc.Kind, &svc.Enabled, &svc.IsRunning, &svc.InstanceCount, &svc.Thresholds,
		&svc.HealthStatus, &svc.CPUPercent, &svc.MemoryPercent, &svc.ResponseTimeMs, &svc.ErrorRate,
		&svc.StabilityScore, &svc.RiskScore, &svc.RiskTrend,
		&svc.LastHealthCheck, &svc.LastMetricsCollection, &svc.LastRestartAt, &svc.CreatedAt, &svc.UpdatedAt,
		&svc.EvaluatedStatus,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *PostgresStore) GetService(ctx context.Context, id string) (*ManagedService, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return svc, err
}

func (s *PostgresStore) ListServices(ctx context.Context) ([]*ManagedService, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*ManagedService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *PostgresStore) MutateService(ctx context.Context, id string, fn func(*ManagedService) error) (*ManagedService, error) {
	var out *ManagedService
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		svc, err := scanService(tx.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(svc); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE services SET
				name = $2, descriptor = $3, kind = $4, enabled = $5, is_running = $6, instance_count = $7,
				thresholds = $8, health_status = $9, cpu_percent = $10, memory_percent = $11,
				response_time_ms = $12, error_rate = $13, stability_score = $14, risk_score = $15,
				risk_trend = $16, last_health_check = $17, last_metrics_collection = $18,
				last_restart_at = $19, updated_at = $20, evaluated_status = $21
			WHERE id = $1`,
			svc.ID, svc.Name, svc.Descriptor, svc.Kind, svc.Enabled, svc.IsRunning, svc.InstanceCount,
			svc.Thresholds, svc.HealthStatus, svc.CPUPercent, svc.MemoryPercent,
			svc.ResponseTimeMs, svc.ErrorRate, svc.StabilityScore, svc.RiskScore,
			svc.RiskTrend, svc.LastHealthCheck, svc.LastMetricsCollection,
			svc.LastRestartAt, svc.UpdatedAt, svc.EvaluatedStatus,
		)
		out = svc
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Observation Operations ---

func (s *PostgresStore) AppendProbe(ctx context.Context, rec HealthProbeRecord) error {
	query := `
		INSERT INTO health_probes (id, service_id, ts, status, kind, reachable, status_code, response_time_ms, components, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.ServiceID, rec.Timestamp, rec.Status, rec.Kind, rec.Reachable,
		rec.StatusCode, rec.ResponseTimeMs, rec.Components, rec.ErrorMessage,
	)
	return err
}

func (s *PostgresStore) ListProbes(ctx context.Context, serviceID string, since time.Time) ([]HealthProbeRecord, error) {
	query := `
		SELECT id, service_id, ts, status, kind, reachable, status_code, response_time_ms, components, error_message
		FROM health_probes WHERE service_id = $1 AND ts >= $2 ORDER BY ts
	`
	rows, err := s.pool.Query(ctx, query, serviceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthProbeRecord
	for rows.Next() {
		var r HealthProbeRecord
		if err := rows.Scan(
			&r.ID, &r.ServiceID, &r.Timestamp, &r.Status, &r.Kind, &r.Reachable,
			&r.StatusCode, &r.ResponseTimeMs, &r.Components, &r.ErrorMessage,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMetrics(ctx context.Context, snap MetricsSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metrics_snapshots (id, service_id, ts, metric_values) VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.ServiceID, snap.Timestamp, snap.Values,
	)
	return err
}

func (s *PostgresStore) ListMetrics(ctx context.Context, serviceID string, since time.Time) ([]MetricsSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, service_id, ts, metric_values FROM metrics_snapshots WHERE service_id = $1 AND ts >= $2 ORDER BY ts`,
		serviceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricsSnapshot
	for rows.Next() {
		var m MetricsSnapshot
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.Timestamp, &m.Values); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendScore(ctx context.Context, rec ScoreRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO score_records (service_id, ts, risk_score, stability_score, source) VALUES ($1, $2, $3, $4, $5)`,
		rec.ServiceID, rec.Timestamp, rec.RiskScore, rec.StabilityScore, rec.Source,
	)
	return err
}

func (s *PostgresStore) ListScores(ctx context.Context, serviceID string, since time.Time) ([]ScoreRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service_id, ts, risk_score, stability_score, source FROM score_records WHERE service_id = $1 AND ts >= $2 ORDER BY ts`,
		serviceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoreRecord
	for rows.Next() {
		var r ScoreRecord
		if err := rows.Scan(&r.ServiceID, &r.Timestamp, &r.RiskScore, &r.StabilityScore, &r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Incident Operations ---

const incidentColumns = `id, service_id, title, severity, status, source, analyzer_summary, recommendation,
	confidence, escalation_count, created_at, updated_at, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, resolution, closed_at`

func incidentArgs(inc *Incident) []any {
	return []any{
		inc.ID, inc.ServiceID, inc.Title, inc.Severity, inc.Status, inc.Source, inc.AnalyzerSummary, inc.Recommendation,
		inc.Confidence, inc.EscalationCount, inc.CreatedAt, inc.UpdatedAt, inc.AcknowledgedAt, inc.AcknowledgedBy,
		inc.ResolvedAt, inc.ResolvedBy, inc.Resolution, inc.ClosedAt,
	}
}

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	err := row.Scan(
		&inc.ID, &inc.ServiceID, &inc.Title, &inc.Severity, &inc.Status, &inc.Source, &inc.AnalyzerSummary, &inc.Recommendation,
		&inc.Confidence, &inc.EscalationCount, &inc.CreatedAt, &inc.UpdatedAt, &inc.AcknowledgedAt, &inc.AcknowledgedBy,
		&inc.ResolvedAt, &inc.ResolvedBy, &inc.Resolution, &inc.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func mapIncidentErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrActiveIncidentExists
	}
	return err
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *Incident) error {
	query := `INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.pool.Exec(ctx, query, incidentArgs(inc)...)
	return mapIncidentErr(err)
}

func (s *PostgresStore) UpdateIncident(ctx context.Context, inc *Incident) error {
	query := `
		UPDATE incidents SET
			title = $3, severity = $4, status = $5, source = $6, analyzer_summary = $7, recommendation = $8,
			confidence = $9, escalation_count = $10, created_at = $11, updated_at = $12,
			acknowledged_at = $13, acknowledged_by = $14, resolved_at = $15, resolved_by = $16,
			resolution = $17, closed_at = $18
		WHERE id = $1 AND service_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, incidentArgs(inc)...)
	if err != nil {
		return mapIncidentErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

func (s *PostgresStore) ActiveIncident(ctx context.Context, serviceID string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE service_id = $1 AND status IN ('OPEN', 'INVESTIGATING') LIMIT 1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, serviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

func (s *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE ($1 = '' OR service_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND (NOT $3 OR status IN ('OPEN', 'INVESTIGATING'))
		  AND created_at >= $4
		ORDER BY created_at DESC`
	args := []any{f.ServiceID, string(f.Status), f.ActiveOnly, f.Since}
	if f.Limit > 0 {
		query += ` LIMIT $5`
		args = append(args, f.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// --- Audit Operations ---

const auditColumns = `id, service_id, principal, role, action, params, started_at, finished_at, duration_ms,
	reason, automated, outcome, rejection_code, message, error_detail, before_state, after_state,
	confirmation_required, confirmed, risk_level`

func (s *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	query := `INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.ServiceID, rec.Principal, rec.Role, rec.Action, rec.Params, rec.StartedAt, rec.FinishedAt, rec.DurationMs,
		rec.Reason, rec.Automated, rec.Outcome, rec.RejectionCode, rec.Message, rec.ErrorDetail, rec.Before, rec.After,
		rec.ConfirmationRequired, rec.Confirmed, rec.RiskLevel,
	)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records
		WHERE ($1 = '' OR service_id = $1)
		  AND ($2 = '' OR action = $2)
		  AND started_at >= $3
		ORDER BY started_at DESC`
	args := []any{f.ServiceID, string(f.Action), f.Since}
	if f.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, f.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(
			&rec.ID, &rec.ServiceID, &rec.Principal, &rec.Role, &rec.Action, &rec.Params, &rec.StartedAt, &rec.FinishedAt, &rec.DurationMs,
			&rec.Reason, &rec.Automated, &rec.Outcome, &rec.RejectionCode, &rec.Message, &rec.ErrorDetail, &rec.Before, &rec.After,
			&rec.ConfirmationRequired, &rec.Confirmed, &rec.RiskLevel,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// --- Retention ---

func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (PurgeStats, error) {
	var stats PurgeStats
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM health_probes WHERE ts < $1`, cutoff)
		if err != nil {
			return err
		}
		stats.Probes = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM metrics_snapshots WHERE ts < $1`, cutoff)
		if err != nil {
			return err
		}
		stats.Metrics = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM score_records WHERE ts < $1`, cutoff)
		if err != nil {
			return err
		}
		stats.Scores = int(tag.RowsAffected())
		return nil
	})
	return stats, err
}

func reverse[T any](xs []T) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}
