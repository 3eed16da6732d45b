package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// Transition is the before/after status of one observation.
type Transition struct {
	ServiceID string
	Previous  store.HealthStatus
	Current   store.HealthStatus
	// Evaluated is the status the incident machine last acted on; it differs from
	// Previous when an earlier incident update failed.
	Evaluated store.HealthStatus
	Record    store.HealthProbeRecord
}

func (t Transition) Changed() bool { return t.Previous != t.Current }

// Deriver turns probe results into persisted health state.
type Deriver struct {
	store      store.Store
	thresholds Thresholds
	emitter    *streaming.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

func NewDeriver(st store.Store, th Thresholds, emitter *streaming.Emitter, logger *slog.Logger) *Deriver {
	return &Deriver{
		store:      st,
		thresholds: th,
		emitter:    emitter,
		logger:     observability.OrDiscard(logger).With("component", "health"),
		now:        time.Now,
	}
}

// WithClock replaces the wall clock. Tests only.
func (d *Deriver) WithClock(now func() time.Time) *Deriver {
	d.now = now
	return d
}

// Observe derives the status for svc from a probe outcome and persists it.
// A probe failure is a normal DOWN observation; only persistence errors are returned.
func (d *Deriver) Observe(ctx context.Context, svc *store.ManagedService, result ProbeResult, probeErr error) (Transition, error) {
	now := d.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = now
	}
	if probeErr != nil && result.Failure == nil {
		result.Failure = asProbeFailure(ctx, probeErr)
	}
	if result.Failure != nil && result.Failure.Kind != FailureBadStatus && result.Failure.Kind != FailureDecode {
		result.Reachable = false
	}

	status := DeriveStatus(result, d.thresholds.For(svc.Thresholds), now)

	rec := store.HealthProbeRecord{
		ID:             uuid.NewString(),
		ServiceID:      svc.ID,
		Timestamp:      result.Timestamp,
		Status:         status,
		Kind:           store.ProbeHealth,
		Reachable:      result.Reachable,
		StatusCode:     result.StatusCode,
		ResponseTimeMs: result.ResponseTimeMs,
		Components:     result.Components,
	}
	if result.Kind != "" {
		rec.Kind = result.Kind
	}
	if result.Failure != nil {
		rec.ErrorMessage = result.Failure.Error()
	}

	if err := resilience.PersistOnce(ctx, "append_probe", func() error {
		return d.store.AppendProbe(ctx, rec)
	}); err != nil {
		return Transition{}, fmt.Errorf("append probe for %s: %w", svc.ID, err)
	}

	var previous, evaluated store.HealthStatus
	err := resilience.PersistOnce(ctx, "update_service_health", func() error {
		_, err := d.store.MutateService(ctx, svc.ID, func(s *store.ManagedService) error {
			previous = s.HealthStatus
			evaluated = s.EvaluatedStatus
			s.HealthStatus = status
			s.LastHealthCheck = now
			s.ResponseTimeMs = result.ResponseTimeMs
			if v, ok := result.Metrics[store.MetricCPUPercent]; ok {
				s.CPUPercent = v
			}
			if v, ok := result.Metrics[store.MetricMemoryPercent]; ok {
				s.MemoryPercent = v
			}
			if v, ok := result.ErrorRate(); ok {
				s.ErrorRate = v
			}
			s.UpdatedAt = now
			return nil
		})
		return err
	})
	if err != nil {
		return Transition{}, fmt.Errorf("update health for %s: %w", svc.ID, err)
	}

	tr := Transition{ServiceID: svc.ID, Previous: previous, Current: status, Evaluated: evaluated, Record: rec}
	observability.SetServiceHealth(svc.ID, string(status))
	if tr.Changed() {
		observability.HealthTransitions.WithLabelValues(string(previous), string(status)).Inc()
		d.logger.Info("health changed", "service_id", svc.ID, "from", previous, "to", status, "error", rec.ErrorMessage)
		d.emitter.Emit(streaming.NewEvent(streaming.HealthChanged, svc.ID, map[string]any{
			"previous":      previous,
			"current":       status,
			"status_code":   rec.StatusCode,
			"error_message": rec.ErrorMessage,
		}, now))
	}
	return tr, nil
}

// MarkStale moves svc to UNKNOWN when its last health observation is older than the
// staleness window, which happens when its health units keep failing. It reports
// whether the status changed.
func (d *Deriver) MarkStale(ctx context.Context, svc *store.ManagedService) (Transition, bool, error) {
	window := d.thresholds.StalenessWindow
	now := d.now()
	if window <= 0 || !isStale(svc, now, window) {
		return Transition{}, false, nil
	}

	var tr Transition
	var changed bool
	err := resilience.PersistOnce(ctx, "mark_service_stale", func() error {
		changed = false
		_, err := d.store.MutateService(ctx, svc.ID, func(s *store.ManagedService) error {
			if !isStale(s, now, window) {
				return nil
			}
			tr = Transition{ServiceID: s.ID, Previous: s.HealthStatus, Current: store.StatusUnknown, Evaluated: s.EvaluatedStatus}
			s.HealthStatus = store.StatusUnknown
			s.UpdatedAt = now
			changed = true
			return nil
		})
		return err
	})
	if err != nil {
		return Transition{}, false, fmt.Errorf("mark %s stale: %w", svc.ID, err)
	}
	if !changed {
		return Transition{}, false, nil
	}

	observability.SetServiceHealth(svc.ID, string(store.StatusUnknown))
	observability.HealthTransitions.WithLabelValues(string(tr.Previous), string(store.StatusUnknown)).Inc()
	d.logger.Warn("health observation stale", "service_id", svc.ID, "from", tr.Previous, "last_check", svc.LastHealthCheck)
	d.emitter.Emit(streaming.NewEvent(streaming.HealthChanged, svc.ID, map[string]any{
		"previous":      tr.Previous,
		"current":       store.StatusUnknown,
		"error_message": "stale",
	}, now))
	return tr, true, nil
}

func isStale(s *store.ManagedService, now time.Time, window time.Duration) bool {
	return s.HealthStatus != store.StatusUnknown && !s.LastHealthCheck.IsZero() && now.Sub(s.LastHealthCheck) > window
}

func asProbeFailure(ctx context.Context, err error) *ProbeFailure {
	var pf *ProbeFailure
	if errors.As(err, &pf) {
		return pf
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProbeFailure{Kind: FailureTimeout, Err: err}
	}
	return &ProbeFailure{Kind: FailureUnreachable, Err: err}
}
