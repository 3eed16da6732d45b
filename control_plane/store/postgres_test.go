package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway PostgreSQL container and returns a migrated store.
func startPostgres(ctx context.Context, t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fluxguard",
			"POSTGRES_PASSWORD": "fluxguard",
			"POSTGRES_DB":       "fluxguard",
		},
		// The server logs readiness once for the init pass and once for the real start.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://fluxguard:fluxguard@%s:%s/fluxguard?sslmode=disable", host, port.Port())
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migration must be re-runnable")
	return s
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(ctx, t)

	t.Run("service round trip", func(t *testing.T) {
		svc := newService(t, "orders")
		svc.LastHealthCheck = t0
		require.NoError(t, s.UpsertService(ctx, svc))

		got, err := s.GetService(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, got.HealthStatus)
		assert.Equal(t, StatusUnknown, got.EvaluatedStatus)
		assert.Equal(t, svc.Descriptor, got.Descriptor)
		assert.True(t, t0.Equal(got.LastHealthCheck))

		_, err = s.GetService(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mutate service persists evaluated status", func(t *testing.T) {
		require.NoError(t, s.UpsertService(ctx, newService(t, "billing")))

		out, err := s.MutateService(ctx, "billing", func(m *ManagedService) error {
			m.HealthStatus = StatusDegraded
			m.EvaluatedStatus = StatusDegraded
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, out.EvaluatedStatus)

		got, err := s.GetService(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, got.HealthStatus)
		assert.Equal(t, StatusDegraded, got.EvaluatedStatus)

		_, err = s.MutateService(ctx, "missing", func(*ManagedService) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mutate service aborts on callback error", func(t *testing.T) {
		require.NoError(t, s.UpsertService(ctx, newService(t, "search")))

		_, err := s.MutateService(ctx, "search", func(m *ManagedService) error {
			m.InstanceCount = 9
			return fmt.Errorf("rejected")
		})
		require.Error(t, err)

		got, err := s.GetService(ctx, "search")
		require.NoError(t, err)
		assert.Equal(t, 1, got.InstanceCount)
	})

	t.Run("concurrent mutations serialize on the row lock", func(t *testing.T) {
		require.NoError(t, s.UpsertService(ctx, newService(t, "cart")))

		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.MutateService(ctx, "cart", func(m *ManagedService) error {
					m.InstanceCount++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetService(ctx, "cart")
		require.NoError(t, err)
		assert.Equal(t, 1+workers, got.InstanceCount)
	})

	t.Run("one active incident per service", func(t *testing.T) {
		first := &Incident{ID: "pg-i1", ServiceID: "orders", Title: "degraded", Severity: SeverityMedium,
			Status: IncidentOpen, Source: SourceHealthCheck, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, s.CreateIncident(ctx, first))

		dup := &Incident{ID: "pg-i2", ServiceID: "orders", Title: "down", Severity: SeverityCritical,
			Status: IncidentOpen, Source: SourceHealthCheck, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute)}
		assert.ErrorIs(t, s.CreateIncident(ctx, dup), ErrActiveIncidentExists)

		other := &Incident{ID: "pg-i3", ServiceID: "billing", Title: "degraded", Severity: SeverityLow,
			Status: IncidentInvestigating, Source: SourceManual, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, s.CreateIncident(ctx, other))

		resolvedAt := t0.Add(2 * time.Minute)
		first.Status = IncidentResolved
		first.ResolvedAt = &resolvedAt
		first.ResolvedBy = "alice"
		require.NoError(t, s.UpdateIncident(ctx, first))
		require.NoError(t, s.CreateIncident(ctx, dup))

		active, err := s.ActiveIncident(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, "pg-i2", active.ID)

		// Reopening the resolved one would give the service two active incidents.
		first.Status = IncidentOpen
		assert.ErrorIs(t, s.UpdateIncident(ctx, first), ErrActiveIncidentExists)

		got, err := s.GetIncident(ctx, "pg-i1")
		require.NoError(t, err)
		assert.Equal(t, IncidentResolved, got.Status)
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, resolvedAt.Equal(*got.ResolvedAt))

		list, err := s.ListIncidents(ctx, IncidentFilter{ServiceID: "orders"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "pg-i1", list[0].ID)
		assert.Equal(t, "pg-i2", list[1].ID)

		_, err = s.ActiveIncident(ctx, "cart")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("audit is listed oldest first", func(t *testing.T) {
		for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
			rec := &AuditRecord{
				ID: fmt.Sprintf("pg-a%d", i), ServiceID: "payments", Principal: "ops", Role: "operator",
				Action: ActionRestart, Params: ActionParams{Reason: "stuck", Confirmed: true},
				StartedAt: t0.Add(offset), FinishedAt: t0.Add(offset + time.Second), DurationMs: 1000,
				Outcome: OutcomeSuccess, Before: RunState{IsRunning: true, InstanceCount: 1},
				After: RunState{IsRunning: true, InstanceCount: 1}, ConfirmationRequired: true,
				Confirmed: true, RiskLevel: SeverityHigh,
			}
			require.NoError(t, s.AppendAudit(ctx, rec))
		}
		require.NoError(t, s.AppendAudit(ctx, &AuditRecord{
			ID: "pg-scale", ServiceID: "payments", Principal: "ops", Role: "operator", Action: ActionScaleUp,
			StartedAt: t0.Add(3 * time.Minute), FinishedAt: t0.Add(3 * time.Minute),
			Outcome: OutcomeRejected, RejectionCode: "LOCK_UNAVAILABLE", RiskLevel: SeverityLow,
		}))

		all, err := s.ListAudit(ctx, AuditFilter{ServiceID: "payments", Action: ActionRestart})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"pg-a1", "pg-a2", "pg-a0"}, []string{all[0].ID, all[1].ID, all[2].ID})
		assert.Equal(t, ActionParams{Reason: "stuck", Confirmed: true}, all[0].Params)
		assert.Equal(t, RunState{IsRunning: true, InstanceCount: 1}, all[0].Before)

		latest, err := s.ListAudit(ctx, AuditFilter{ServiceID: "payments", Action: ActionRestart, Limit: 2})
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "pg-a2", latest[0].ID)
		assert.Equal(t, "pg-a0", latest[1].ID)

		since, err := s.ListAudit(ctx, AuditFilter{ServiceID: "payments", Since: t0.Add(90 * time.Second)})
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "pg-a0", since[0].ID)
		assert.True(t, since[1].Rejected())
	})

	t.Run("purge removes observations before cutoff", func(t *testing.T) {
		old, fresh := t0.Add(-2*time.Hour), t0
		for i, ts := range []time.Time{old, fresh} {
			require.NoError(t, s.AppendProbe(ctx, HealthProbeRecord{
				ID: fmt.Sprintf("pg-p%d", i), ServiceID: "inventory", Timestamp: ts, Status: StatusHealthy,
				Kind: ProbeHealth, Reachable: true, StatusCode: 200, ResponseTimeMs: 12,
				Components: map[string]string{"db": "UP"},
			}))
			require.NoError(t, s.AppendMetrics(ctx, NewMetricsSnapshot("inventory", ts, map[string]float64{MetricCPUPercent: 40})))
			require.NoError(t, s.AppendScore(ctx, ScoreRecord{ServiceID: "inventory", Timestamp: ts,
				RiskScore: 10, StabilityScore: 90, Source: ScoreFromFallback}))
		}

		stats, err := s.Purge(ctx, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, PurgeStats{Probes: 1, Metrics: 1, Scores: 1}, stats)

		probes, err := s.ListProbes(ctx, "inventory", time.Time{})
		require.NoError(t, err)
		require.Len(t, probes, 1)
		assert.Equal(t, "pg-p1", probes[0].ID)
		assert.Equal(t, map[string]string{"db": "UP"}, probes[0].Components)

		metrics, err := s.ListMetrics(ctx, "inventory", time.Time{})
		require.NoError(t, err)
		require.Len(t, metrics, 1)
		assert.Equal(t, 40.0, metrics[0].CPU())

		scores, err := s.ListScores(ctx, "inventory", time.Time{})
		require.NoError(t, err)
		require.Len(t, scores, 1)
		assert.True(t, fresh.Equal(scores[0].Timestamp))
	})
}
