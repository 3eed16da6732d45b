package incident

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

var (
	// ErrInvalidTransition is returned when a lifecycle step is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid incident transition")
	// ErrResolutionRequired is returned by a manual resolve without resolution text.
	ErrResolutionRequired = errors.New("resolution text is required")
)

// SystemPrincipal resolves incidents automatically.
const SystemPrincipal = "system"

// Decision is what a signal does to a service's incident state.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionOpen
	DecisionEscalate
	DecisionResolve
)

func (d Decision) String() string {
	switch d {
	case DecisionOpen:
		return "open"
	case DecisionEscalate:
		return "escalate"
	case DecisionResolve:
		return "resolve"
	default:
		return "none"
	}
}

// HealthSeverity maps a non-healthy status onto an incident severity.
func HealthSeverity(status store.HealthStatus) (store.Severity, bool) {
	switch status {
	case store.StatusDegraded:
		return store.SeverityMedium, true
	case store.StatusCritical, store.StatusDown:
		return store.SeverityCritical, true
	default:
		return "", false
	}
}

// AnomalySeverity buckets a confidence-weighted risk hint.
func AnomalySeverity(weightedHint float64) store.Severity {
	switch {
	case weightedHint >= 90:
		return store.SeverityCritical
	case weightedHint >= 75:
		return store.SeverityHigh
	case weightedHint >= 50:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}

// DecideHealth decides the effect of a health transition given the active incident (nil if none).
func DecideHealth(active *store.Incident, previous, current store.HealthStatus) Decision {
	if current == store.StatusHealthy {
		if active != nil {
			return DecisionResolve
		}
		return DecisionNone
	}
	if _, ok := HealthSeverity(current); !ok {
		return DecisionNone
	}
	if active != nil {
		return DecisionEscalate
	}
	if previous == store.StatusHealthy || previous == store.StatusUnknown || previous == "" {
		return DecisionOpen
	}
	return DecisionNone
}

// DecideAnomaly decides the effect of an analyzer anomaly.
func DecideAnomaly(active *store.Incident) Decision {
	if active != nil {
		return DecisionEscalate
	}
	return DecisionOpen
}

// New builds an OPEN incident.
func New(serviceID, title string, sev store.Severity, source store.DetectionSource, now time.Time) *store.Incident {
	return &store.Incident{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Title:     title,
		Severity:  sev,
		Status:    store.IncidentOpen,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HealthTitle is the title of an incident opened from a health transition.
func HealthTitle(serviceName string, status store.HealthStatus) string {
	return fmt.Sprintf("%s is %s", serviceName, strings.ToLower(string(status)))
}

// Escalate raises the severity to max(existing, sev). It reports whether the severity increased.
func Escalate(inc *store.Incident, sev store.Severity, now time.Time) bool {
	next := store.MaxSeverity(inc.Severity, sev)
	if next == inc.Severity {
		return false
	}
	inc.Severity = next
	inc.EscalationCount++
	inc.UpdatedAt = now
	return true
}

// Acknowledge moves OPEN to INVESTIGATING. Acknowledging an INVESTIGATING incident is a no-op;
// the boolean reports whether anything changed.
func Acknowledge(inc *store.Incident, by string, now time.Time) (bool, error) {
	switch inc.Status {
	case store.IncidentInvestigating:
		return false, nil
	case store.IncidentOpen:
		inc.Status = store.IncidentInvestigating
		inc.AcknowledgedBy = by
		inc.AcknowledgedAt = &now
		inc.UpdatedAt = now
		return true, nil
	default:
		return false, fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, inc.Status)
	}
}

// Resolve moves an active incident to RESOLVED.
func Resolve(inc *store.Incident, by, resolution string, now time.Time) error {
	if !inc.Status.IsActive() {
		return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, inc.Status)
	}
	if strings.TrimSpace(resolution) == "" {
		return ErrResolutionRequired
	}
	inc.Status = store.IncidentResolved
	inc.ResolvedBy = by
	inc.ResolvedAt = &now
	inc.Resolution = resolution
	inc.UpdatedAt = now
	return nil
}

// Close moves RESOLVED to CLOSED. CLOSED is terminal.
func Close(inc *store.Incident, now time.Time) error {
	if inc.Status != store.IncidentResolved {
		return fmt.Errorf("%w: close from %s", ErrInvalidTransition, inc.Status)
	}
	inc.Status = store.IncidentClosed
	inc.ClosedAt = &now
	inc.UpdatedAt = now
	return nil
}
