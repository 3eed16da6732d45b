package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FluxGuard/control_plane/aggregator"
	"github.com/itskum47/FluxGuard/control_plane/health"
	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// fakeProber answers per host. A nil entry panics.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]func(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error)
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: make(map[string]func(context.Context, store.ProbeKind) (health.ProbeResult, error)),
		calls:   make(map[string]int),
	}
}

func (p *fakeProber) set(host string, fn func(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[host] = fn
}

func (p *fakeProber) Probe(ctx context.Context, d store.Descriptor, kind store.ProbeKind, timeout time.Duration) (health.ProbeResult, error) {
	p.mu.Lock()
	fn, ok := p.results[d.Host]
	p.calls[d.Host]++
	p.mu.Unlock()
	if !ok {
		panic("no fake result for " + d.Host)
	}
	return fn(ctx, kind)
}

func healthy(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error) {
	if kind == store.ProbeMetrics {
		return health.ProbeResult{Reachable: true, StatusCode: 200, Kind: kind, Metrics: map[string]float64{
			store.MetricCPUPercent: 20, store.MetricLatencyP95: 100,
		}}, nil
	}
	return health.ProbeResult{Reachable: true, StatusCode: 200, Kind: kind, Components: map[string]string{"db": "UP"}}, nil
}

func unreachable(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error) {
	return health.ProbeResult{}, &health.ProbeFailure{Kind: health.FailureUnreachable, Err: errors.New("connection refused")}
}

func hang(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error) {
	<-ctx.Done()
	return health.ProbeResult{}, &health.ProbeFailure{Kind: health.FailureTimeout, Err: ctx.Err()}
}

type env struct {
	st     *store.MemoryStore
	prober *fakeProber
	sched  *Scheduler

	mu  sync.Mutex
	now time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.UnitTimeout = 200 * time.Millisecond
	cfg.ProbeRatePerHost = 0
	return cfg
}

func newEnv(t *testing.T, cfg Config, broadcaster Broadcaster) *env {
	t.Helper()
	return newEnvOn(t, cfg, broadcaster, nil)
}

// newEnvOn runs the ticks against wrap(memory store) when wrap is set.
func newEnvOn(t *testing.T, cfg Config, broadcaster Broadcaster, wrap func(*store.MemoryStore) store.Store) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	e := &env{st: mem, prober: newFakeProber(), now: time.Now()}
	prober := e.prober
	th := health.Thresholds{
		WarningErrorRate: 5, CriticalErrorRate: 20, WarningLatencyMs: 1000, CriticalLatencyMs: 5000,
		StalenessWindow: time.Hour, CriticalComponents: []string{"db"},
	}
	deps := Deps{
		Store:       st,
		Prober:      prober,
		Deriver:     health.NewDeriver(st, th, nil, nil).WithClock(e.clock),
		Incidents:   incident.NewManager(st, nil, nil),
		Aggregator:  aggregator.New(st, nil),
		Scorer:      scoring.NewScorer(st, nil, nil, scoring.Config{Window: time.Hour, StabilityWindow: time.Hour, TrendDelta: 5, AnalyzerTimeout: 20 * time.Millisecond}, nil),
		Broadcaster: broadcaster,
	}
	sched, err := New(cfg, deps, nil)
	require.NoError(t, err)
	e.sched = sched
	return e
}

func (e *env) add(t *testing.T, id string, kind store.ServiceKind, fn func(context.Context, store.ProbeKind) (health.ProbeResult, error)) {
	t.Helper()
	svc, err := store.NewManagedService(id, "", kind, store.Descriptor{Host: id, Port: 8080, MetricsPath: "/metrics"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.st.UpsertService(context.Background(), svc))
	if fn != nil {
		e.prober.set(id, fn)
	}
}

func (e *env) status(t *testing.T, id string) store.HealthStatus {
	t.Helper()
	svc, err := e.st.GetService(context.Background(), id)
	require.NoError(t, err)
	return svc.HealthStatus
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	assert.Error(t, err)
}

func TestHealthTickIsolatesFailingServices(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, healthy)
	e.add(t, "payments", store.KindBackend, unreachable)
	e.add(t, "search", store.KindBackend, hang)
	e.add(t, "broken", store.KindBackend, nil) // panics
	e.add(t, "web", store.KindFrontend, healthy)

	err := e.sched.RunOnce(context.Background(), TickBackendHealth)
	var tickErr *resilience.TickError
	require.ErrorAs(t, err, &tickErr)
	assert.Equal(t, 4, tickErr.Total)
	assert.Equal(t, 1, tickErr.Panicked)

	assert.Equal(t, store.StatusHealthy, e.status(t, "orders"))
	assert.Equal(t, store.StatusDown, e.status(t, "payments"))
	assert.Equal(t, store.StatusDown, e.status(t, "search"))
	assert.Equal(t, store.StatusUnknown, e.status(t, "broken"))
	assert.Equal(t, store.StatusUnknown, e.status(t, "web"), "frontend services run on their own tick")

	active, err := e.st.ActiveIncident(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, store.SeverityCritical, active.Severity)

	probes, err := e.st.ListProbes(context.Background(), "search", time.Time{})
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, "timeout", probes[0].ErrorMessage)
}

func TestHealthyObservationResolvesInSameRun(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, unreachable)
	ctx := context.Background()

	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	_, err := e.st.ActiveIncident(ctx, "orders")
	require.NoError(t, err)

	e.prober.set("orders", healthy)
	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	_, err = e.st.ActiveIncident(ctx, "orders")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisabledServicesAreSkipped(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, healthy)
	_, err := e.st.MutateService(context.Background(), "orders", func(s *store.ManagedService) error {
		s.Enabled = false
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.sched.RunOnce(context.Background(), TickBackendHealth))
	assert.Zero(t, e.prober.calls["orders"])
}

func TestMetricsAndScoringTicks(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, healthy)
	ctx := context.Background()

	require.NoError(t, e.sched.RunOnce(ctx, TickMetrics))
	snaps, err := e.st.ListMetrics(ctx, "orders", time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 20.0, snaps[0].CPU())

	require.NoError(t, e.sched.RunOnce(ctx, TickAnomaly))
	scores, err := e.st.ListScores(ctx, "orders", time.Time{})
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	require.NoError(t, e.sched.RunOnce(ctx, TickStability))
	require.NoError(t, e.sched.RunOnce(ctx, TickRetention))
}

type blockingBroadcaster struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingBroadcaster) Broadcast(ctx context.Context) error {
	close(b.started)
	<-b.release
	return nil
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	b := &blockingBroadcaster{started: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t, testConfig(), b)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- e.sched.RunOnce(ctx, TickBroadcast) }()
	<-b.started

	assert.ErrorIs(t, e.sched.RunOnce(ctx, TickBroadcast), ErrTickRunning)
	close(b.release)
	require.NoError(t, <-done)

	var st TickStatus
	for _, s := range e.sched.Status() {
		if s.Name == TickBroadcast {
			st = s
		}
	}
	assert.EqualValues(t, 1, st.Runs)
	assert.EqualValues(t, 1, st.Skipped)
	assert.Equal(t, StateIdle, st.State)
}

func TestRunOnceUnknownTick(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	assert.ErrorIs(t, e.sched.RunOnce(context.Background(), "nope"), ErrUnknownTick)

	name, ok := ParseTick("backend-health")
	assert.True(t, ok)
	assert.Equal(t, TickBackendHealth, name)
}

type countingBroadcaster struct {
	mu sync.Mutex
	n  int
}

func (c *countingBroadcaster) Broadcast(ctx context.Context) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *countingBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestStartStopAndLeaderGate(t *testing.T) {
	cfg := testConfig()
	for _, name := range AllTicks {
		if name != TickBroadcast {
			setInterval(&cfg, name, 0)
		}
	}
	cfg.BroadcastInterval = 5 * time.Millisecond

	b := &countingBroadcaster{}
	e := newEnv(t, cfg, b)
	var leader sync.Mutex
	isLeader := false
	e.sched.WithLeaderGate(func() bool {
		leader.Lock()
		defer leader.Unlock()
		return isLeader
	})

	e.sched.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, b.count(), "followers do not run ticks")

	leader.Lock()
	isLeader = true
	leader.Unlock()
	assert.Eventually(t, func() bool { return b.count() > 0 }, time.Second, 5*time.Millisecond)

	e.sched.Stop()
	n := b.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, b.count())
}

func setInterval(cfg *Config, name TickName, d time.Duration) {
	switch name {
	case TickBackendHealth:
		cfg.BackendHealthInterval = d
	case TickFrontendHealth:
		cfg.FrontendHealthInterval = d
	case TickMetrics:
		cfg.MetricsInterval = d
	case TickAnomaly:
		cfg.AnomalyInterval = d
	case TickStability:
		cfg.StabilityInterval = d
	case TickRetention:
		cfg.RetentionInterval = d
	case TickBroadcast:
		cfg.BroadcastInterval = d
	}
}

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	assert.True(t, l.Allow("orders:8080"))
	assert.True(t, l.Allow("orders:8080"))
	assert.False(t, l.Allow("orders:8080"))
	assert.True(t, l.Allow("billing:8080"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "orders:8080"))

	unlimited := NewTokenBucketLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("x"))
	}
}

// flakyIncidentStore fails the first n incident creations.
type flakyIncidentStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyIncidentStore) CreateIncident(ctx context.Context, inc *store.Incident) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CreateIncident(ctx, inc)
}

func degraded(ctx context.Context, kind store.ProbeKind) (health.ProbeResult, error) {
	return health.ProbeResult{Reachable: true, StatusCode: 200, Kind: kind, Components: map[string]string{"cache": "DOWN"}}, nil
}

func TestFailedIncidentOpenIsRetriedNextTick(t *testing.T) {
	e := newEnvOn(t, testConfig(), nil, func(m *store.MemoryStore) store.Store {
		return &flakyIncidentStore{MemoryStore: m, failures: 2}
	})
	e.add(t, "orders", store.KindBackend, degraded)
	ctx := context.Background()

	// Both attempts of the first tick fail.
	var tickErr *resilience.TickError
	require.ErrorAs(t, e.sched.RunOnce(ctx, TickBackendHealth), &tickErr)
	assert.Equal(t, store.StatusDegraded, e.status(t, "orders"))
	_, err := e.st.ActiveIncident(ctx, "orders")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The status is unchanged but the transition was never acted on.
	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	active, err := e.st.ActiveIncident(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, store.SeverityMedium, active.Severity)

	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	all, err := e.st.ListIncidents(ctx, store.IncidentFilter{ServiceID: "orders"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	svc, err := e.st.GetService(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDegraded, svc.EvaluatedStatus)
}

func TestResolvedIncidentNotReopenedWhileStillDegraded(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, degraded)
	ctx := context.Background()

	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	active, err := e.st.ActiveIncident(ctx, "orders")
	require.NoError(t, err)
	active.Status = store.IncidentResolved
	active.ResolvedBy = "alice"
	active.Resolution = "known cache outage"
	require.NoError(t, e.st.UpdateIncident(ctx, active))

	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	_, err = e.st.ActiveIncident(ctx, "orders")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleServicesBecomeUnknown(t *testing.T) {
	e := newEnv(t, testConfig(), nil)
	e.add(t, "orders", store.KindBackend, healthy)
	ctx := context.Background()

	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	require.Equal(t, store.StatusHealthy, e.status(t, "orders"))

	// From now on every health unit for orders fails before it can observe anything.
	e.prober.set("orders", func(context.Context, store.ProbeKind) (health.ProbeResult, error) {
		panic("transport broken")
	})

	e.advance(30 * time.Minute)
	assert.Error(t, e.sched.RunOnce(ctx, TickBackendHealth))
	assert.Equal(t, store.StatusHealthy, e.status(t, "orders"), "inside the staleness window")

	e.advance(time.Hour)
	assert.Error(t, e.sched.RunOnce(ctx, TickBackendHealth))
	assert.Equal(t, store.StatusUnknown, e.status(t, "orders"))

	// A fresh observation clears it.
	e.prober.set("orders", healthy)
	require.NoError(t, e.sched.RunOnce(ctx, TickBackendHealth))
	assert.Equal(t, store.StatusHealthy, e.status(t, "orders"))
}
