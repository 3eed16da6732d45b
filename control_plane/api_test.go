package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FluxGuard/control_plane/aggregator"
	"github.com/itskum47/FluxGuard/control_plane/auth"
	"github.com/itskum47/FluxGuard/control_plane/health"
	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/lifecycle"
	"github.com/itskum47/FluxGuard/control_plane/middleware"
	"github.com/itskum47/FluxGuard/control_plane/scheduler"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// switchProber answers every probe with the current result.
type switchProber struct {
	mu  sync.Mutex
	err error
}

func (p *switchProber) setDown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = &health.ProbeFailure{Kind: health.FailureUnreachable, Err: errors.New("connection refused")}
}

func (p *switchProber) Probe(ctx context.Context, d store.Descriptor, kind store.ProbeKind, timeout time.Duration) (health.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return health.ProbeResult{Kind: kind}, p.err
	}
	return health.ProbeResult{Reachable: true, StatusCode: 200, Kind: kind}, nil
}

type apiFixture struct {
	store    *store.MemoryStore
	prober   *switchProber
	hub      *StreamHub
	srv      *httptest.Server
	executed atomic.Int32
}

func newAPIFixture(t *testing.T, limit float64, burst int, opts ...func(*APIDeps)) *apiFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &apiFixture{store: store.NewMemoryStore(), prober: &switchProber{}}
	for _, s := range []struct {
		id   string
		kind store.ServiceKind
	}{{"orders", store.KindBackend}, {"web", store.KindFrontend}} {
		svc, err := store.NewManagedService(s.id, "", s.kind, store.Descriptor{Host: s.id + ".internal", Port: 8080}, time.Now())
		require.NoError(t, err)
		require.NoError(t, f.store.UpsertService(ctx, svc))
	}

	f.hub = NewStreamHub(nil)
	go f.hub.Run(ctx)
	fanout := streaming.NewFanout().Add("memory", streaming.NewMemoryPublisher(100)).Add("dashboard", f.hub)
	emitter := streaming.NewEmitter(fanout, nil, false)

	exec := lifecycle.ExecutorFunc(func(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (lifecycle.Outcome, error) {
		f.executed.Add(1)
		return lifecycle.Outcome{Success: true, Message: "ok"}, nil
	})
	controller := lifecycle.NewController(f.store, exec, nil, lifecycle.DefaultPolicy(), emitter, nil)
	incidents := incident.NewManager(f.store, emitter, nil)
	agg := aggregator.New(f.store, nil)
	scorer := scoring.NewScorer(f.store, nil, nil, scoring.Config{
		Window: time.Hour, StabilityWindow: 24 * time.Hour, TrendDelta: 5, AnalyzerTimeout: time.Second,
	}, nil)
	deriver := health.NewDeriver(f.store, health.Thresholds{CriticalLatencyMs: 5000, WarningLatencyMs: 1000}, emitter, nil)

	dashboard := NewDashboardService(f.store, emitter)
	cfg := scheduler.DefaultConfig()
	cfg.ProbeRatePerHost = 0
	sched, err := scheduler.New(cfg, scheduler.Deps{
		Store:       f.store,
		Prober:      f.prober,
		Deriver:     deriver,
		Incidents:   incidents,
		Aggregator:  agg,
		Scorer:      scorer,
		Broadcaster: dashboard,
	}, nil)
	require.NoError(t, err)
	dashboard.Attach(sched, nil)

	deps := APIDeps{
		Store:      f.store,
		Controller: controller,
		Incidents:  incidents,
		Aggregator: agg,
		Scheduler:  sched,
		Dashboard:  dashboard,
		Hub:        f.hub,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	api := NewAPI(deps, limit, burst, nil)
	f.srv = httptest.NewServer(api.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

// call sends a request as alice with the given role ("" for an anonymous viewer).
func (f *apiFixture) call(t *testing.T, method, path, role string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if role != "" {
		req.Header.Set(middleware.PrincipalHeader, "alice")
		req.Header.Set(middleware.RoleHeader, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestListAndGetServices(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, body := f.call(t, http.MethodGet, "/api/services", "", nil)
	require.Equal(t, http.StatusOK, code)
	svcs := decode[[]store.ManagedService](t, body)
	require.Len(t, svcs, 2)
	assert.Equal(t, "orders", svcs[0].ID)

	code, _ = f.call(t, http.MethodGet, "/api/services/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.call(t, http.MethodGet, "/api/services/orders/probes?since=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestActionRequiresOperatorRole(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, _ := f.call(t, http.MethodPost, "/api/services/orders/actions/start", "", nil)
	assert.Equal(t, http.StatusForbidden, code)

	audits, err := f.store.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestUnconfirmedRestartIsRejectedAndAudited(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, body := f.call(t, http.MethodPost, "/api/services/orders/actions/restart", middleware.RoleOperator, map[string]any{"reason": "stuck"})
	assert.Equal(t, http.StatusPreconditionRequired, code)
	rec := decode[store.AuditRecord](t, body)
	assert.Equal(t, store.OutcomeRejected, rec.Outcome)
	assert.Equal(t, lifecycle.CodeConfirmationRequired, rec.RejectionCode)
	assert.Equal(t, "alice", rec.Principal)
	assert.Zero(t, f.executed.Load())
}

func TestConfirmedRestartThenCooldown(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, body := f.call(t, http.MethodPost, "/api/services/orders/actions/restart", middleware.RoleOperator, map[string]any{"reason": "deploy", "confirmed": true})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, store.OutcomeSuccess, decode[store.AuditRecord](t, body).Outcome)

	code, body = f.call(t, http.MethodPost, "/api/services/orders/actions/restart", middleware.RoleOperator, map[string]any{"confirmed": true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, lifecycle.CodeCooldownActive, decode[store.AuditRecord](t, body).RejectionCode)
	assert.Equal(t, int32(1), f.executed.Load())

	code, body = f.call(t, http.MethodGet, "/api/audit?service_id=orders&action=restart", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]store.AuditRecord](t, body), 2)

	code, _ = f.call(t, http.MethodGet, "/api/audit?action=explode", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnknownActionIsAudited(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, body := f.call(t, http.MethodPost, "/api/services/orders/actions/explode", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, lifecycle.CodeUnknownAction, decode[store.AuditRecord](t, body).RejectionCode)

	code, body = f.call(t, http.MethodPost, "/api/services/ghost/actions/start", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, lifecycle.CodeServiceNotFound, decode[store.AuditRecord](t, body).RejectionCode)

	audits, err := f.store.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, audits, 2)
}

func TestManualIncidentLifecycle(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	op := middleware.RoleOperator

	code, body := f.call(t, http.MethodPost, "/api/incidents", op, map[string]any{"service_id": "orders", "title": "checkout errors", "severity": "high"})
	require.Equal(t, http.StatusCreated, code, string(body))
	inc := decode[store.Incident](t, body)
	assert.Equal(t, store.SeverityHigh, inc.Severity)
	assert.Equal(t, store.SourceManual, inc.Source)

	code, body = f.call(t, http.MethodPost, "/api/incidents", op, map[string]any{"service_id": "orders", "title": "again"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, inc.ID, decode[store.Incident](t, body).ID)

	code, _ = f.call(t, http.MethodPost, "/api/incidents", op, map[string]any{"service_id": "orders", "title": "x", "severity": "SEVERE"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.call(t, http.MethodPost, "/api/incidents/"+inc.ID+"/acknowledge", op, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.IncidentInvestigating, decode[store.Incident](t, body).Status)

	code, _ = f.call(t, http.MethodPost, "/api/incidents/"+inc.ID+"/close", op, nil)
	assert.Equal(t, http.StatusConflict, code, "only resolved incidents close")

	code, _ = f.call(t, http.MethodPost, "/api/incidents/"+inc.ID+"/resolve", op, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.call(t, http.MethodPost, "/api/incidents/"+inc.ID+"/resolve", op, map[string]any{"resolution": "rolled back"})
	require.Equal(t, http.StatusOK, code)
	resolved := decode[store.Incident](t, body)
	assert.Equal(t, store.IncidentResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	code, body = f.call(t, http.MethodPost, "/api/incidents/"+inc.ID+"/close", op, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.IncidentClosed, decode[store.Incident](t, body).Status)

	code, body = f.call(t, http.MethodGet, "/api/incidents/"+inc.ID+"/report?lookback=30m", "", nil)
	require.Equal(t, http.StatusOK, code)
	report := decode[incident.Report](t, body)
	assert.Equal(t, "orders", report.Service.ID)

	code, _ = f.call(t, http.MethodGet, "/api/incidents/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRunTickDrivesHealthAndDashboard(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	f.prober.setDown()

	code, body := f.call(t, http.MethodPost, "/api/scheduler/backend-health/run", middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Empty(t, decode[tickRunResponse](t, body).Error)

	code, body = f.call(t, http.MethodGet, "/api/services/orders", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.StatusDown, decode[store.ManagedService](t, body).HealthStatus)

	code, body = f.call(t, http.MethodGet, "/api/incidents?active=true", "", nil)
	require.Equal(t, http.StatusOK, code)
	incs := decode[[]store.Incident](t, body)
	require.Len(t, incs, 1)
	assert.Equal(t, store.SeverityCritical, incs[0].Severity)

	code, body = f.call(t, http.MethodGet, "/api/dashboard", "", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[StatusSnapshot](t, body)
	assert.Equal(t, 1, snap.StatusCounts[store.StatusDown])
	assert.Equal(t, 1, snap.StatusCounts[store.StatusUnknown], "the frontend was not probed")
	assert.Len(t, snap.ActiveIncidents, 1)
	assert.True(t, snap.IsLeader)
	assert.Len(t, snap.Ticks, len(scheduler.AllTicks))

	code, _ = f.call(t, http.MethodPost, "/api/scheduler/compaction/run", middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.call(t, http.MethodGet, "/api/scheduler", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"backend-health"`)
}

func TestMutatingCallsAreRateLimited(t *testing.T) {
	f := newAPIFixture(t, 0.001, 1)

	code, _ := f.call(t, http.MethodPost, "/api/services/orders/actions/scale_up", middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.call(t, http.MethodPost, "/api/services/orders/actions/scale_up", middleware.RoleOperator, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = f.call(t, http.MethodGet, "/api/services", "", nil)
	assert.Equal(t, http.StatusOK, code, "reads are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	code, body := f.call(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "fluxguard_")
}

func TestDashboardStreamReceivesSnapshot(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/dashboard/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, _ := f.call(t, http.MethodPost, "/api/scheduler/broadcast/run", middleware.RoleOperator, nil)
	require.Equal(t, http.StatusOK, code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev struct {
			Type streaming.EventType `json:"type"`
			Data StatusSnapshot      `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type != streaming.StatusSnapshot {
			continue
		}
		assert.Len(t, ev.Data.Services, 2)
		break
	}
}

func TestIdempotentActionReplaysResponse(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	send := func(key string) (int, []byte, string) {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/services/orders/actions/restart", strings.NewReader(`{"confirmed":true}`))
		require.NoError(t, err)
		req.Header.Set(middleware.RoleHeader, middleware.RoleOperator)
		req.Header.Set(IdempotencyHeader, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body, resp.Header.Get("Idempotent-Replayed")
	}

	code, first, replayed := send("retry-1")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, replayed)

	code, second, replayed := send("retry-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "true", replayed)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int32(1), f.executed.Load(), "a replay never reaches the executor")

	code, _, _ = send("retry-2")
	assert.Equal(t, http.StatusConflict, code, "a new key is a new attempt and hits the cooldown")
}

func TestBearerTokenAuthentication(t *testing.T) {
	v, err := auth.NewVerifier("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	f := newAPIFixture(t, 0, 0, func(d *APIDeps) { d.Verifier = v })

	code, _ := f.call(t, http.MethodGet, "/api/services", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code, "liveness stays open")

	tok, err := v.Issue("carol", middleware.RoleOperator, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/services/orders/actions/scale_up", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec store.AuditRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "carol", rec.Principal)
	assert.Equal(t, middleware.RoleOperator, rec.Role)
}
