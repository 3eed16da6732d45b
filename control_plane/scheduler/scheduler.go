package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/FluxGuard/control_plane/aggregator"
	"github.com/itskum47/FluxGuard/control_plane/health"
	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

var (
	ErrUnknownTick = errors.New("unknown tick")
	// ErrTickRunning is returned when a firing overlaps a run of the same tick.
	ErrTickRunning = errors.New("tick already running")
)

// Broadcaster publishes the fleet status snapshot.
type Broadcaster interface {
	Broadcast(ctx context.Context) error
}

// Deps are the components the ticks drive.
type Deps struct {
	Store       store.Store
	Prober      health.Prober
	Deriver     *health.Deriver
	Incidents   *incident.Manager
	Aggregator  *aggregator.Aggregator
	Scorer      *scoring.Scorer
	Broadcaster Broadcaster // optional
}

type unitFunc func(ctx context.Context, svc *store.ManagedService) error

type tick struct {
	name     TickName
	interval time.Duration
	run      func(ctx context.Context) error
	running  atomic.Bool

	mu     sync.Mutex
	status TickStatus
}

// Scheduler runs each tick on its own timer.
type Scheduler struct {
	cfg     Config
	deps    Deps
	limiter RateLimiter
	logger  *slog.Logger
	ticks   map[TickName]*tick
	// gate, when set, must return true for timer firings to run (leader election).
	gate func() bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates the configuration and wires the ticks.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if deps.Prober == nil {
		errs = append(errs, errors.New("prober is required"))
	}
	if deps.Deriver == nil || deps.Incidents == nil || deps.Aggregator == nil || deps.Scorer == nil {
		errs = append(errs, errors.New("deriver, incidents, aggregator and scorer are required"))
	}
	if cfg.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max concurrency must be positive, got %d", cfg.MaxConcurrency))
	}
	if cfg.UnitTimeout <= 0 || cfg.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("unit and probe timeouts must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		limiter: NewTokenBucketLimiter(cfg.ProbeRatePerHost, cfg.ProbeBurstPerHost),
		logger:  observability.OrDiscard(logger).With("component", "scheduler"),
		ticks:   make(map[TickName]*tick),
	}
	s.register(TickBackendHealth, s.healthTick(TickBackendHealth, store.KindBackend))
	s.register(TickFrontendHealth, s.healthTick(TickFrontendHealth, store.KindFrontend))
	s.register(TickMetrics, s.perService(TickMetrics, s.collectMetrics))
	s.register(TickAnomaly, s.perService(TickAnomaly, s.scoreService))
	s.register(TickStability, s.perService(TickStability, s.recomputeStability))
	s.register(TickRetention, s.retention)
	s.register(TickBroadcast, s.broadcast)
	return s, nil
}

// WithLeaderGate makes timer firings conditional on gate(). Manual runs are not gated.
func (s *Scheduler) WithLeaderGate(gate func() bool) *Scheduler {
	s.gate = gate
	return s
}

func (s *Scheduler) register(name TickName, run func(ctx context.Context) error) {
	iv := s.cfg.interval(name)
	s.ticks[name] = &tick{
		name:     name,
		interval: iv,
		run:      run,
		status:   TickStatus{Name: name, State: StateIdle, Interval: iv},
	}
}

// Start launches one goroutine per tick with a positive interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range AllTicks {
		t := s.ticks[name]
		if t.interval <= 0 {
			s.logger.Info("tick disabled", "tick", name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("scheduler started", "ticks", len(s.ticks))
}

// Stop cancels all ticks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *tick) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.gate != nil && !s.gate() {
				continue
			}
			// Runs in its own goroutine so a slow run shows up as skipped firings.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.fire(ctx, t); err != nil && !errors.Is(err, ErrTickRunning) {
					s.logger.Warn("tick finished with errors", "tick", t.name, "error", err)
				}
			}()
		}
	}
}

// RunOnce runs a tick immediately and returns its error. It fails with
// ErrTickRunning if the tick is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context, name TickName) error {
	t, ok := s.ticks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTick, name)
	}
	return s.fire(ctx, t)
}

func (s *Scheduler) fire(ctx context.Context, t *tick) error {
	if !t.running.CompareAndSwap(false, true) {
		observability.TicksSkipped.WithLabelValues(string(t.name)).Inc()
		t.mu.Lock()
		t.status.Skipped++
		t.mu.Unlock()
		s.logger.Debug("tick skipped, previous run still active", "tick", t.name)
		return ErrTickRunning
	}
	defer t.running.Store(false)

	start := time.Now()
	t.mu.Lock()
	t.status.State = StateRunning
	t.status.LastStarted = start
	t.mu.Unlock()

	err := t.run(ctx)

	elapsed := time.Since(start)
	observability.TickDuration.WithLabelValues(string(t.name)).Observe(elapsed.Seconds())
	t.mu.Lock()
	t.status.State = StateIdle
	t.status.Runs++
	t.status.LastDuration = elapsed
	t.status.LastError = ""
	if err != nil {
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()
	return err
}

// Status returns a snapshot of every tick in start order.
func (s *Scheduler) Status() []TickStatus {
	out := make([]TickStatus, 0, len(AllTicks))
	for _, name := range AllTicks {
		t := s.ticks[name]
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	return out
}

// services lists enabled services, optionally of one kind.
func (s *Scheduler) services(ctx context.Context, kind store.ServiceKind) ([]*store.ManagedService, error) {
	all, err := s.deps.Store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := all[:0]
	for _, svc := range all {
		if !svc.Enabled {
			continue
		}
		if kind != "" && svc.Kind != kind {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

func (s *Scheduler) healthTick(name TickName, kind store.ServiceKind) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		svcs, err := s.services(ctx, kind)
		if err != nil {
			return err
		}
		err = s.forEach(ctx, name, svcs, s.checkHealth)
		s.sweepStale(ctx, kind)
		return err
	}
}

// sweepStale marks services whose health has not been observed within the
// staleness window as UNKNOWN.
func (s *Scheduler) sweepStale(ctx context.Context, kind store.ServiceKind) {
	if ctx.Err() != nil {
		return
	}
	svcs, err := s.services(ctx, kind)
	if err != nil {
		s.logger.Warn("staleness sweep skipped", "kind", kind, "error", err)
		return
	}
	for _, svc := range svcs {
		tr, changed, err := s.deps.Deriver.MarkStale(ctx, svc)
		if err != nil {
			s.logger.Warn("staleness check failed", "service_id", svc.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		if _, err := s.deps.Incidents.OnHealth(ctx, tr); err != nil {
			s.logger.Warn("incident update after staleness failed", "service_id", svc.ID, "error", err)
		}
	}
}

func (s *Scheduler) perService(name TickName, fn unitFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		svcs, err := s.services(ctx, "")
		if err != nil {
			return err
		}
		return s.forEach(ctx, name, svcs, fn)
	}
}

// forEach fans fn out over services through a bounded pool. A failing or panicking
// unit is logged and counted; it never stops the others.
func (s *Scheduler) forEach(ctx context.Context, name TickName, svcs []*store.ManagedService, fn unitFunc) error {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)

	var failed, panicked atomic.Int32
	launched := 0
	for _, svc := range svcs {
		if ctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			err := s.runUnit(ctx, name, svc, fn)
			var p *resilience.UnitPanic
			switch {
			case errors.As(err, &p):
				panicked.Add(1)
			case err != nil:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	f, p := int(failed.Load()), int(panicked.Load())
	if f+p == 0 {
		return ctx.Err()
	}
	return &resilience.TickError{
		Tick:      string(name),
		Total:     launched,
		Succeeded: launched - f - p,
		Failed:    f,
		Panicked:  p,
	}
}

func (s *Scheduler) runUnit(ctx context.Context, name TickName, svc *store.ManagedService, fn unitFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UnitTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &resilience.UnitPanic{Unit: svc.ID, Value: r}
		}
		if err == nil {
			return
		}
		reason := "error"
		var p *resilience.UnitPanic
		switch {
		case errors.As(err, &p):
			reason = "panic"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		}
		observability.UnitFailures.WithLabelValues(string(name), reason).Inc()
		s.logger.Warn("unit failed", "tick", name, "service_id", svc.ID, "reason", reason, "error", err)
	}()

	return fn(ctx, svc)
}

func (s *Scheduler) checkHealth(ctx context.Context, svc *store.ManagedService) error {
	if err := s.limiter.Wait(ctx, svc.Descriptor.HostKey()); err != nil {
		return fmt.Errorf("probe rate limit: %w", err)
	}
	res, probeErr := s.deps.Prober.Probe(ctx, svc.Descriptor, store.ProbeHealth, s.cfg.ProbeTimeout)
	tr, err := s.deps.Deriver.Observe(ctx, svc, res, probeErr)
	if err != nil {
		return err
	}
	if _, err := s.deps.Incidents.OnHealth(ctx, tr); err != nil {
		return fmt.Errorf("incident update for %s: %w", svc.ID, err)
	}
	return nil
}

func (s *Scheduler) collectMetrics(ctx context.Context, svc *store.ManagedService) error {
	if svc.Descriptor.MetricsPath == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx, svc.Descriptor.HostKey()); err != nil {
		return fmt.Errorf("probe rate limit: %w", err)
	}
	res, err := s.deps.Prober.Probe(ctx, svc.Descriptor, store.ProbeMetrics, s.cfg.ProbeTimeout)
	if err != nil {
		// Health ticks own the DOWN verdict; a failed scrape only leaves a gap.
		return fmt.Errorf("metrics probe for %s: %w", svc.ID, err)
	}
	if len(res.Metrics) == 0 {
		return nil
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.deps.Aggregator.Ingest(ctx, store.NewMetricsSnapshot(svc.ID, ts, res.Metrics))
}

func (s *Scheduler) scoreService(ctx context.Context, svc *store.ManagedService) error {
	res, err := s.deps.Scorer.Recompute(ctx, svc.ID)
	if err != nil {
		return err
	}
	if res.Anomalous() {
		if _, err := s.deps.Incidents.OnAnomaly(ctx, svc.ID, *res.Analysis); err != nil {
			return fmt.Errorf("anomaly incident for %s: %w", svc.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) recomputeStability(ctx context.Context, svc *store.ManagedService) error {
	_, err := s.deps.Scorer.RecomputeStability(ctx, svc.ID)
	return err
}

func (s *Scheduler) retention(ctx context.Context) error {
	var errs []error
	stats, err := s.deps.Aggregator.Purge(ctx, s.cfg.RetentionHorizon)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge: %w", err))
	}
	closed := 0
	if s.cfg.IncidentAutoClose > 0 {
		closed, err = s.deps.Incidents.AutoClose(ctx, s.cfg.IncidentAutoClose)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-close incidents: %w", err))
		}
	}
	s.logger.Info("retention complete", "probes", stats.Probes, "metrics", stats.Metrics,
		"scores", stats.Scores, "incidents_closed", closed)
	return errors.Join(errs...)
}

func (s *Scheduler) broadcast(ctx context.Context) error {
	if s.deps.Broadcaster == nil {
		return nil
	}
	return s.deps.Broadcaster.Broadcast(ctx)
}
