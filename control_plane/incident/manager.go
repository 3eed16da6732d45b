package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/health"
	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// Manager applies incident decisions and persists them. Observations for the same
// service are serialized so the one-active-incident rule holds inside a process;
// the store enforces it across processes.
type Manager struct {
	store   store.Store
	emitter *streaming.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(st store.Store, emitter *streaming.Emitter, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		emitter: emitter,
		logger:  observability.OrDiscard(logger).With("component", "incident"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the wall clock. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) lock(serviceID string) func() {
	m.mu.Lock()
	l, ok := m.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[serviceID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// OnHealth feeds a health transition into the machine. It returns the incident that was
// opened, escalated or resolved, or nil when nothing changed.
//
// The decision is taken against the last evaluated status, which only advances once
// the decision is persisted, so a failed update is retried on the next observation.
func (m *Manager) OnHealth(ctx context.Context, tr health.Transition) (*store.Incident, error) {
	defer m.lock(tr.ServiceID)()

	inc, err := m.decideHealth(ctx, tr)
	if err != nil {
		return nil, err
	}
	if tr.Evaluated != tr.Current {
		if err := m.markEvaluated(ctx, tr.ServiceID, tr.Current); err != nil {
			return inc, fmt.Errorf("mark %s evaluated for %s: %w", tr.Current, tr.ServiceID, err)
		}
	}
	return inc, nil
}

func (m *Manager) decideHealth(ctx context.Context, tr health.Transition) (*store.Incident, error) {
	active, err := m.active(ctx, tr.ServiceID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	previous := tr.Evaluated
	if previous == "" {
		previous = tr.Previous
	}
	switch DecideHealth(active, previous, tr.Current) {
	case DecisionOpen:
		sev, _ := HealthSeverity(tr.Current)
		name := tr.ServiceID
		if svc, err := m.store.GetService(ctx, tr.ServiceID); err == nil {
			name = svc.Name
		}
		inc := New(tr.ServiceID, HealthTitle(name, tr.Current), sev, store.SourceHealthCheck, now)
		return m.open(ctx, inc, sev)
	case DecisionEscalate:
		sev, _ := HealthSeverity(tr.Current)
		return m.escalate(ctx, active, sev, now)
	case DecisionResolve:
		if err := Resolve(active, SystemPrincipal, "service returned to HEALTHY", now); err != nil {
			return nil, err
		}
		if err := m.update(ctx, active); err != nil {
			return nil, err
		}
		observability.IncidentsResolved.WithLabelValues("auto").Inc()
		m.logger.Info("incident auto-resolved", "service_id", active.ServiceID, "incident_id", active.ID)
		m.emit(streaming.IncidentResolved, active, now)
		return active, nil
	default:
		return nil, nil
	}
}

func (m *Manager) markEvaluated(ctx context.Context, serviceID string, status store.HealthStatus) error {
	err := resilience.PersistOnce(ctx, "mark_health_evaluated", func() error {
		_, err := m.store.MutateService(ctx, serviceID, func(s *store.ManagedService) error {
			s.EvaluatedStatus = status
			return nil
		})
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// OnAnomaly feeds an analyzer anomaly into the machine.
func (m *Manager) OnAnomaly(ctx context.Context, serviceID string, a scoring.Analysis) (*store.Incident, error) {
	if !a.AnomalyDetected {
		return nil, nil
	}
	defer m.lock(serviceID)()

	active, err := m.active(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sev := AnomalySeverity(a.WeightedHint())

	if DecideAnomaly(active) == DecisionEscalate {
		return m.escalate(ctx, active, sev, now)
	}

	title := "Anomaly detected"
	if a.AnomalyType != "" {
		title = fmt.Sprintf("Anomaly detected: %s", a.AnomalyType)
	}
	inc := New(serviceID, title, sev, store.SourceAnomaly, now)
	inc.AnalyzerSummary = a.Summary
	inc.Recommendation = a.Recommendation
	inc.Confidence = a.Confidence
	return m.open(ctx, inc, sev)
}

// OpenManual opens a MANUAL incident. It fails with store.ErrActiveIncidentExists when
// the service already has an active incident.
func (m *Manager) OpenManual(ctx context.Context, serviceID, title string, sev store.Severity, by string) (*store.Incident, error) {
	if _, err := m.store.GetService(ctx, serviceID); err != nil {
		return nil, fmt.Errorf("open incident for %s: %w", serviceID, err)
	}
	if sev.Rank() == 0 {
		sev = store.SeverityMedium
	}
	defer m.lock(serviceID)()

	active, err := m.active(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, store.ErrActiveIncidentExists
	}
	inc := New(serviceID, title, sev, store.SourceManual, m.now())
	if err := m.create(ctx, inc); err != nil {
		return nil, err
	}
	observability.IncidentsOpened.WithLabelValues(string(inc.Source), string(sev)).Inc()
	m.logger.Info("incident opened manually", "service_id", serviceID, "incident_id", inc.ID, "by", by)
	m.emit(streaming.IncidentOpened, inc, inc.CreatedAt)
	return inc, nil
}

// Acknowledge moves an OPEN incident to INVESTIGATING.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (*store.Incident, error) {
	return m.transition(ctx, id, func(inc *store.Incident, now time.Time) (streaming.EventType, error) {
		changed, err := Acknowledge(inc, by, now)
		if err != nil || !changed {
			return "", err
		}
		return streaming.IncidentAcknowledged, nil
	})
}

// Resolve resolves an active incident manually.
func (m *Manager) Resolve(ctx context.Context, id, by, resolution string) (*store.Incident, error) {
	return m.transition(ctx, id, func(inc *store.Incident, now time.Time) (streaming.EventType, error) {
		if err := Resolve(inc, by, resolution, now); err != nil {
			return "", err
		}
		observability.IncidentsResolved.WithLabelValues("manual").Inc()
		return streaming.IncidentResolved, nil
	})
}

// Close closes a RESOLVED incident.
func (m *Manager) Close(ctx context.Context, id string) (*store.Incident, error) {
	return m.transition(ctx, id, func(inc *store.Incident, now time.Time) (streaming.EventType, error) {
		if err := Close(inc, now); err != nil {
			return "", err
		}
		return streaming.IncidentClosed, nil
	})
}

// AutoClose closes RESOLVED incidents resolved more than olderThan ago.
func (m *Manager) AutoClose(ctx context.Context, olderThan time.Duration) (int, error) {
	resolved, err := m.store.ListIncidents(ctx, store.IncidentFilter{Status: store.IncidentResolved})
	if err != nil {
		return 0, fmt.Errorf("list resolved incidents: %w", err)
	}
	cutoff := m.now().Add(-olderThan)

	closed := 0
	var errs []error
	for _, inc := range resolved {
		if inc.ResolvedAt == nil || inc.ResolvedAt.After(cutoff) {
			continue
		}
		if _, err := m.Close(ctx, inc.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

type transitionFunc func(inc *store.Incident, now time.Time) (streaming.EventType, error)

func (m *Manager) transition(ctx context.Context, id string, fn transitionFunc) (*store.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}
	defer m.lock(inc.ServiceID)()

	// Re-read under the service lock.
	inc, err = m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}
	now := m.now()
	evType, err := fn(inc, now)
	if err != nil {
		return nil, err
	}
	if evType == "" {
		return inc, nil
	}
	if err := m.update(ctx, inc); err != nil {
		return nil, err
	}
	m.logger.Info("incident updated", "service_id", inc.ServiceID, "incident_id", inc.ID, "status", inc.Status)
	m.emit(evType, inc, now)
	return inc, nil
}

func (m *Manager) open(ctx context.Context, inc *store.Incident, sev store.Severity) (*store.Incident, error) {
	err := m.create(ctx, inc)
	if errors.Is(err, store.ErrActiveIncidentExists) {
		// Another replica opened one first; treat this signal as an escalation of it.
		active, aerr := m.active(ctx, inc.ServiceID)
		if aerr != nil || active == nil {
			return nil, err
		}
		return m.escalate(ctx, active, sev, inc.CreatedAt)
	}
	if err != nil {
		return nil, err
	}
	observability.IncidentsOpened.WithLabelValues(string(inc.Source), string(inc.Severity)).Inc()
	m.logger.Info("incident opened", "service_id", inc.ServiceID, "incident_id", inc.ID,
		"severity", inc.Severity, "source", inc.Source)
	m.emit(streaming.IncidentOpened, inc, inc.CreatedAt)
	return inc, nil
}

func (m *Manager) escalate(ctx context.Context, active *store.Incident, sev store.Severity, now time.Time) (*store.Incident, error) {
	from := active.Severity
	if !Escalate(active, sev, now) {
		return nil, nil
	}
	if err := m.update(ctx, active); err != nil {
		return nil, err
	}
	observability.IncidentEscalations.Inc()
	m.logger.Info("incident escalated", "service_id", active.ServiceID, "incident_id", active.ID,
		"from", from, "to", active.Severity)
	m.emit(streaming.IncidentEscalated, active, now)
	return active, nil
}

func (m *Manager) active(ctx context.Context, serviceID string) (*store.Incident, error) {
	inc, err := m.store.ActiveIncident(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active incident for %s: %w", serviceID, err)
	}
	return inc, nil
}

func (m *Manager) create(ctx context.Context, inc *store.Incident) error {
	if err := resilience.PersistOnce(ctx, "create_incident", func() error {
		return m.store.CreateIncident(ctx, inc)
	}); err != nil {
		return fmt.Errorf("create incident for %s: %w", inc.ServiceID, err)
	}
	return nil
}

func (m *Manager) update(ctx context.Context, inc *store.Incident) error {
	if err := resilience.PersistOnce(ctx, "update_incident", func() error {
		return m.store.UpdateIncident(ctx, inc)
	}); err != nil {
		return fmt.Errorf("update incident %s: %w", inc.ID, err)
	}
	return nil
}

func (m *Manager) emit(t streaming.EventType, inc *store.Incident, now time.Time) {
	snapshot := *inc
	m.emitter.Emit(streaming.NewEvent(t, inc.ServiceID, snapshot, now))
}
