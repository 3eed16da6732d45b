package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// ErrUnknownAction is returned by ParseRequestAction for actions outside the whitelist.
var ErrUnknownAction = errors.New("unknown lifecycle action")

// Rejection codes carried on REJECTED audit records.
const (
	CodeUnknownAction        = "UNKNOWN_ACTION"
	CodeServiceNotFound      = "SERVICE_NOT_FOUND"
	CodeServiceDisabled      = "SERVICE_DISABLED"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeCooldownActive       = "COOLDOWN_ACTIVE"
	CodeRestartLimit         = "RESTART_LIMIT_EXCEEDED"
	CodeAlreadyRunning       = "ALREADY_RUNNING"
	CodeAlreadyStopped       = "ALREADY_STOPPED"
	CodeInvalidScaleTarget   = "INVALID_SCALE_TARGET"
	CodeLockUnavailable      = "LOCK_UNAVAILABLE"
	CodeHistoryUnavailable   = "RESTART_HISTORY_UNAVAILABLE"
)

// ParseRequestAction validates a caller-supplied action name.
func ParseRequestAction(s string) (store.Action, error) {
	a, err := store.ParseAction(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Request carries the caller's intent for one lifecycle action.
type Request struct {
	Reason          string
	Confirmed       bool
	TargetInstances int
	Principal       string
	Role            string
	Automated       bool
}

// Policy holds the safety limits.
type Policy struct {
	RestartCooldown    time.Duration
	RestartWindow      time.Duration
	MaxRestartAttempts int
	ExecutorTimeout    time.Duration
	MaxInstances       int
	// LockWait bounds how long a call queues behind another action on the same service.
	LockWait time.Duration
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		RestartCooldown:    60 * time.Second,
		RestartWindow:      time.Hour,
		MaxRestartAttempts: 3,
		ExecutorTimeout:    2 * time.Minute,
		MaxInstances:       20,
		LockWait:           30 * time.Second,
	}
}

// Controller validates, executes and audits lifecycle actions.
type Controller struct {
	store    store.Store
	executor Executor
	locker   Locker
	policy   Policy
	emitter  *streaming.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

func NewController(st store.Store, exec Executor, locker Locker, policy Policy, emitter *streaming.Emitter, logger *slog.Logger) *Controller {
	def := DefaultPolicy()
	if policy.RestartCooldown < 0 {
		policy.RestartCooldown = 0
	}
	if policy.RestartWindow <= 0 {
		policy.RestartWindow = def.RestartWindow
	}
	if policy.MaxRestartAttempts <= 0 {
		policy.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if policy.ExecutorTimeout <= 0 {
		policy.ExecutorTimeout = def.ExecutorTimeout
	}
	if policy.MaxInstances <= 0 {
		policy.MaxInstances = def.MaxInstances
	}
	if policy.LockWait <= 0 {
		policy.LockWait = def.LockWait
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Controller{
		store:    st,
		executor: exec,
		locker:   locker,
		policy:   policy,
		emitter:  emitter,
		logger:   observability.OrDiscard(logger).With("component", "lifecycle"),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Execute runs one lifecycle action and writes exactly one audit record describing it.
// Rejections and executor failures are reported through the record's Outcome; the
// error is non-nil only when the audit record could not be persisted.
func (c *Controller) Execute(ctx context.Context, serviceID string, action store.Action, req Request) (*store.AuditRecord, error) {
	rec := &store.AuditRecord{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Principal: req.Principal,
		Role:      req.Role,
		Action:    action,
		Params: store.ActionParams{
			Reason:          req.Reason,
			Confirmed:       req.Confirmed,
			TargetInstances: req.TargetInstances,
		},
		StartedAt:            c.now(),
		Reason:               req.Reason,
		Automated:            req.Automated,
		Confirmed:            req.Confirmed,
		ConfirmationRequired: action.IsDestructive(),
	}
	logger := c.logger.With("service_id", serviceID, "action", action, "principal", req.Principal)

	if _, err := store.ParseAction(string(action)); err != nil {
		c.reject(rec, CodeUnknownAction, fmt.Sprintf("action %q is not allowed", action))
		return c.finish(ctx, logger, rec)
	}

	svc, code, msg := c.loadService(ctx, serviceID)
	if code != "" {
		c.reject(rec, code, msg)
		return c.finish(ctx, logger, rec)
	}
	rec.Before = runState(svc)
	rec.After = rec.Before
	rec.RiskLevel = scoring.RiskLevel(svc.RiskScore)

	if action.IsDestructive() && !req.Confirmed {
		c.reject(rec, CodeConfirmationRequired, fmt.Sprintf("%s requires explicit confirmation", action))
		return c.finish(ctx, logger, rec)
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.policy.LockWait)
	unlock, err := c.locker.Lock(lockCtx, serviceID)
	cancel()
	if err != nil {
		c.reject(rec, CodeLockUnavailable, fmt.Sprintf("another action is in progress: %v", err))
		return c.finish(ctx, logger, rec)
	}
	release := unlock
	defer func() { release() }()

	// Re-read under the lock: a concurrent action may have changed the state.
	svc, code, msg = c.loadService(ctx, serviceID)
	if code != "" {
		c.reject(rec, code, msg)
		return c.finish(ctx, logger, rec)
	}
	rec.Before = runState(svc)
	rec.After = rec.Before

	now := c.now()
	target, code, msg := c.validateState(ctx, svc, action, req, now)
	if code != "" {
		c.reject(rec, code, msg)
		return c.finish(ctx, logger, rec)
	}

	params := rec.Params
	params.TargetInstances = target.InstanceCount
	start := time.Now()
	outcome, done, execErr := c.perform(ctx, svc.Descriptor, action, params)
	observability.LifecycleDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	select {
	case <-done:
	default:
		// The executor ignored its deadline. Keep the service locked until it returns.
		logger.Error("executor still running after its timeout, holding the service lock", "timeout", c.policy.ExecutorTimeout)
		observability.LifecycleOverruns.WithLabelValues(string(action)).Inc()
		release = func() {}
		go func() {
			<-done
			logger.Warn("overrunning executor returned, releasing the service lock")
			unlock()
		}()
	}

	if execErr == nil && !outcome.Success {
		execErr = errors.New("executor reported failure")
	}
	if execErr != nil {
		rec.Outcome = store.OutcomeFailed
		rec.Message = outcome.Message
		rec.ErrorDetail = execErr.Error()
		logger.Warn("lifecycle action failed", "error", execErr)
	} else {
		rec.Outcome = store.OutcomeSuccess
		rec.Message = outcome.Message
		rec.After = target
	}

	if err := c.applyState(ctx, svc.ID, action, rec, now); err != nil {
		// The action already happened; keep the audit truthful and surface the drift in logs.
		logger.Error("failed to record service state after action", "error", err)
		if rec.ErrorDetail == "" {
			rec.ErrorDetail = fmt.Sprintf("state update failed: %v", err)
		}
	}
	return c.finish(ctx, logger, rec)
}

func (c *Controller) loadService(ctx context.Context, serviceID string) (*store.ManagedService, string, string) {
	svc, err := c.store.GetService(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, CodeServiceNotFound, fmt.Sprintf("service %s is not registered", serviceID)
	}
	if err != nil {
		return nil, CodeServiceNotFound, fmt.Sprintf("service %s could not be loaded: %v", serviceID, err)
	}
	if !svc.Enabled {
		return nil, CodeServiceDisabled, fmt.Sprintf("service %s is disabled", serviceID)
	}
	return svc, "", ""
}

// validateState checks the state-dependent rules and returns the run state the
// action would produce.
func (c *Controller) validateState(ctx context.Context, svc *store.ManagedService, action store.Action, req Request, now time.Time) (store.RunState, string, string) {
	cur := runState(svc)
	switch action {
	case store.ActionStart:
		if svc.IsRunning {
			return cur, CodeAlreadyRunning, "service is already running"
		}
		return store.RunState{IsRunning: true, InstanceCount: max(1, svc.InstanceCount)}, "", ""

	case store.ActionStop:
		if !svc.IsRunning {
			return cur, CodeAlreadyStopped, "service is already stopped"
		}
		return store.RunState{IsRunning: false, InstanceCount: 0}, "", ""

	case store.ActionRestart:
		if !svc.LastRestartAt.IsZero() {
			if elapsed := now.Sub(svc.LastRestartAt); elapsed < c.policy.RestartCooldown {
				return cur, CodeCooldownActive, fmt.Sprintf("restart cooldown active for another %s",
					(c.policy.RestartCooldown - elapsed).Round(time.Second))
			}
		}
		var n int
		err := resilience.PersistOnce(ctx, "list_restart_history", func() error {
			var err error
			n, err = c.recentRestarts(ctx, svc.ID, now)
			return err
		})
		if err != nil {
			// Without the history the attempt limit cannot be enforced.
			c.logger.Warn("could not count recent restarts", "service_id", svc.ID, "error", err)
			return cur, CodeHistoryUnavailable, fmt.Sprintf("restart history could not be read: %v", err)
		}
		if n >= c.policy.MaxRestartAttempts {
			return cur, CodeRestartLimit, fmt.Sprintf("%d restarts in the last %s (max %d)",
				n, c.policy.RestartWindow, c.policy.MaxRestartAttempts)
		}
		return store.RunState{IsRunning: true, InstanceCount: max(1, svc.InstanceCount)}, "", ""

	case store.ActionScaleUp:
		target := req.TargetInstances
		if target == 0 {
			target = svc.InstanceCount + 1
		}
		if target <= svc.InstanceCount || target > c.policy.MaxInstances {
			return cur, CodeInvalidScaleTarget, fmt.Sprintf("scale up target %d must be in (%d, %d]",
				target, svc.InstanceCount, c.policy.MaxInstances)
		}
		return store.RunState{IsRunning: true, InstanceCount: target}, "", ""

	case store.ActionScaleDown:
		target := req.TargetInstances
		if target == 0 {
			target = svc.InstanceCount - 1
		}
		if target < 0 || target >= svc.InstanceCount {
			return cur, CodeInvalidScaleTarget, fmt.Sprintf("scale down target %d must be in [0, %d)",
				target, svc.InstanceCount)
		}
		return store.RunState{IsRunning: target > 0, InstanceCount: target}, "", ""
	}
	return cur, CodeUnknownAction, fmt.Sprintf("action %q is not allowed", action)
}

// recentRestarts counts RESTART attempts that reached the executor inside the rolling window.
func (c *Controller) recentRestarts(ctx context.Context, serviceID string, now time.Time) (int, error) {
	recs, err := c.store.ListAudit(ctx, store.AuditFilter{
		ServiceID: serviceID,
		Action:    store.ActionRestart,
		Since:     now.Add(-c.policy.RestartWindow),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !r.Rejected() {
			n++
		}
	}
	return n, nil
}

// perform calls the executor with a timeout; panics and overruns become errors.
// Once started, an action is bounded by the executor timeout only, not by the
// caller. done is closed when the executor call has returned.
func (c *Controller) perform(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (Outcome, <-chan struct{}, error) {
	done := make(chan struct{})
	if c.executor == nil {
		close(done)
		return Outcome{}, done, errors.New("no executor configured")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.ExecutorTimeout)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		o, e := c.executor.Perform(ctx, d, action, params)
		ch <- result{o, e}
	}()

	select {
	case r := <-ch:
		<-done
		return r.out, done, r.err
	case <-ctx.Done():
		return Outcome{}, done, fmt.Errorf("executor did not finish: %w", ctx.Err())
	}
}

// applyState records the new run state. The action already happened, so the write
// is detached from caller cancellation like the audit write.
func (c *Controller) applyState(ctx context.Context, serviceID string, action store.Action, rec *store.AuditRecord, now time.Time) error {
	wctx := context.WithoutCancel(ctx)
	return resilience.PersistOnce(wctx, "update_service_run_state", func() error {
		_, err := c.store.MutateService(wctx, serviceID, func(s *store.ManagedService) error {
			if rec.Outcome == store.OutcomeSuccess {
				s.IsRunning = rec.After.IsRunning
				s.InstanceCount = rec.After.InstanceCount
			}
			if action == store.ActionRestart {
				// Failed restarts count towards the cooldown too.
				s.LastRestartAt = now
			}
			s.UpdatedAt = c.now()
			return nil
		})
		return err
	})
}

func (c *Controller) reject(rec *store.AuditRecord, code, msg string) {
	rec.Outcome = store.OutcomeRejected
	rec.RejectionCode = code
	rec.Message = msg
}

func (c *Controller) finish(ctx context.Context, logger *slog.Logger, rec *store.AuditRecord) (*store.AuditRecord, error) {
	rec.FinishedAt = c.now()
	rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()

	observability.LifecycleActions.WithLabelValues(string(rec.Action), string(rec.Outcome), rec.RejectionCode).Inc()
	if rec.Rejected() {
		logger.Info("lifecycle action rejected", "code", rec.RejectionCode, "message", rec.Message)
	} else if rec.Outcome == store.OutcomeSuccess {
		logger.Info("lifecycle action executed", "duration_ms", rec.DurationMs, "after", rec.After)
	}

	// The audit write must survive caller cancellation once the action is decided.
	wctx := context.WithoutCancel(ctx)
	if err := resilience.PersistOnce(wctx, "append_audit", func() error {
		return c.store.AppendAudit(wctx, rec)
	}); err != nil {
		logger.Error("failed to persist audit record", "audit_id", rec.ID, "error", err)
		return rec, fmt.Errorf("persist audit record %s: %w", rec.ID, err)
	}

	c.emitter.Emit(streaming.NewEvent(streaming.ActionExecuted, rec.ServiceID, *rec, rec.FinishedAt))
	return rec, nil
}

func runState(svc *store.ManagedService) store.RunState {
	return store.RunState{IsRunning: svc.IsRunning, InstanceCount: svc.InstanceCount}
}
