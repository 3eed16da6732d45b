package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Config controls the scoring windows.
type Config struct {
	Window          time.Duration
	StabilityWindow time.Duration
	TrendDelta      float64
	AnalyzerTimeout time.Duration
	Reference       RiskReference
}

// Result is the outcome of one scoring cycle for one service.
type Result struct {
	ServiceID      string            `json:"service_id"`
	RiskScore      float64           `json:"risk_score"`
	FallbackRisk   float64           `json:"fallback_risk"`
	StabilityScore float64           `json:"stability_score"`
	Trend          store.RiskTrend   `json:"trend"`
	Source         store.ScoreSource `json:"source"`
	// Analysis is nil when the analyzer did not answer.
	Analysis       *Analysis `json:"analysis,omitempty"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
}

// Anomalous reports whether the analyzer flagged an anomaly this cycle.
func (r Result) Anomalous() bool {
	return r.Analysis != nil && r.Analysis.AnomalyDetected
}

type Scorer struct {
	store    store.Store
	analyzer Analyzer
	breaker  *CircuitBreaker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewScorer(st store.Store, analyzer Analyzer, breaker *CircuitBreaker, cfg Config, logger *slog.Logger) *Scorer {
	if analyzer == nil {
		analyzer = NoopAnalyzer{}
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second)
	}
	if cfg.Reference == (RiskReference{}) {
		cfg.Reference = DefaultRiskReference
	}
	return &Scorer{
		store:    st,
		analyzer: analyzer,
		breaker:  breaker,
		cfg:      cfg,
		logger:   observability.OrDiscard(logger).With("component", "scoring"),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock. Tests only.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	s.breaker.now = now
	return s
}

// Recompute runs a full scoring cycle for one service and persists the result.
func (s *Scorer) Recompute(ctx context.Context, serviceID string) (Result, error) {
	now := s.now()
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load service %s: %w", serviceID, err)
	}

	stability, err := s.stability(ctx, serviceID, now)
	if err != nil {
		return Result{}, err
	}

	snaps, err := s.store.ListMetrics(ctx, serviceID, now.Add(-s.cfg.Window))
	if err != nil {
		return Result{}, fmt.Errorf("list metrics for %s: %w", serviceID, err)
	}
	fallback := FallbackRisk(snaps, svc.HealthStatus, s.cfg.Reference)

	res := Result{
		ServiceID:      serviceID,
		RiskScore:      fallback,
		FallbackRisk:   fallback,
		StabilityScore: stability,
		Source:         store.ScoreFromFallback,
	}

	analysis, reason := s.analyze(ctx, serviceID)
	if analysis != nil {
		res.Analysis = analysis
		res.Source = store.ScoreFromAnalyzer
		res.RiskScore = BlendRisk(analysis.RiskHint, analysis.Confidence, fallback)
	} else {
		res.FallbackReason = reason
		observability.AnalyzerFallbacks.WithLabelValues(reason).Inc()
	}

	rec := store.ScoreRecord{
		ServiceID:      serviceID,
		Timestamp:      now,
		RiskScore:      res.RiskScore,
		StabilityScore: stability,
		Source:         res.Source,
	}
	history, err := s.store.ListScores(ctx, serviceID, now.Add(-2*s.cfg.Window))
	if err != nil {
		return Result{}, fmt.Errorf("list scores for %s: %w", serviceID, err)
	}
	res.Trend = Trend(append(history, rec), now, s.cfg.Window, s.cfg.TrendDelta)

	if err := resilience.PersistOnce(ctx, "append_score", func() error {
		return s.store.AppendScore(ctx, rec)
	}); err != nil {
		return Result{}, fmt.Errorf("append score for %s: %w", serviceID, err)
	}
	if err := resilience.PersistOnce(ctx, "update_service_scores", func() error {
		_, err := s.store.MutateService(ctx, serviceID, func(m *store.ManagedService) error {
			m.RiskScore = res.RiskScore
			m.StabilityScore = stability
			m.RiskTrend = res.Trend
			m.UpdatedAt = now
			return nil
		})
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("update scores for %s: %w", serviceID, err)
	}

	observability.RiskScore.WithLabelValues(serviceID).Set(res.RiskScore)
	observability.StabilityScore.WithLabelValues(serviceID).Set(stability)
	s.logger.Debug("scores recomputed", "service_id", serviceID, "risk", res.RiskScore, "stability", stability,
		"trend", res.Trend, "source", res.Source)
	return res, nil
}

// RecomputeStability refreshes only the stability score.
func (s *Scorer) RecomputeStability(ctx context.Context, serviceID string) (float64, error) {
	now := s.now()
	stability, err := s.stability(ctx, serviceID, now)
	if err != nil {
		return 0, err
	}
	if err := resilience.PersistOnce(ctx, "update_service_stability", func() error {
		_, err := s.store.MutateService(ctx, serviceID, func(m *store.ManagedService) error {
			m.StabilityScore = stability
			m.UpdatedAt = now
			return nil
		})
		return err
	}); err != nil {
		return 0, fmt.Errorf("update stability for %s: %w", serviceID, err)
	}
	observability.StabilityScore.WithLabelValues(serviceID).Set(stability)
	return stability, nil
}

func (s *Scorer) stability(ctx context.Context, serviceID string, now time.Time) (float64, error) {
	since := now.Add(-s.cfg.StabilityWindow)
	probes, err := s.store.ListProbes(ctx, serviceID, since)
	if err != nil {
		return 0, fmt.Errorf("list probes for %s: %w", serviceID, err)
	}
	incidents, err := s.store.ListIncidents(ctx, store.IncidentFilter{ServiceID: serviceID, Since: since})
	if err != nil {
		return 0, fmt.Errorf("list incidents for %s: %w", serviceID, err)
	}
	return Stability(probes, incidents), nil
}

// analyze calls the analyzer behind the breaker and a hard timeout. It returns
// nil and a fallback reason when no usable answer arrived in time.
func (s *Scorer) analyze(ctx context.Context, serviceID string) (*Analysis, string) {
	if !s.breaker.Allow() {
		return nil, "circuit_open"
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnalyzerTimeout)
	defer cancel()

	type answer struct {
		a   Analysis
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		a, err := s.analyzer.Analyze(ctx, serviceID, s.cfg.Window)
		ch <- answer{a, err}
	}()

	var got answer
	select {
	case got = <-ch:
	case <-ctx.Done():
		got = answer{err: ctx.Err()}
	}

	switch {
	case got.err == nil:
		s.breaker.RecordSuccess()
		return &got.a, ""
	case errors.Is(got.err, context.DeadlineExceeded):
		s.breaker.RecordFailure()
		s.logger.Warn("analyzer timed out", "service_id", serviceID, "timeout", s.cfg.AnalyzerTimeout)
		return nil, "timeout"
	case errors.Is(got.err, ErrAnalyzerUnavailable):
		// Noop analyzers report unavailable every cycle; that is not a fault of the provider.
		if _, noop := s.analyzer.(NoopAnalyzer); !noop {
			s.breaker.RecordFailure()
		}
		return nil, "unavailable"
	default:
		s.breaker.RecordFailure()
		s.logger.Warn("analyzer failed", "service_id", serviceID, "error", got.err)
		return nil, "error"
	}
}
