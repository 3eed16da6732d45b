package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	HealthChanged        EventType = "HEALTH_CHANGED"
	IncidentOpened       EventType = "INCIDENT_OPENED"
	IncidentEscalated    EventType = "INCIDENT_ESCALATED"
	IncidentAcknowledged EventType = "INCIDENT_ACKNOWLEDGED"
	IncidentResolved     EventType = "INCIDENT_RESOLVED"
	IncidentClosed       EventType = "INCIDENT_CLOSED"
	ActionExecuted       EventType = "ACTION_EXECUTED"
	StatusSnapshot       EventType = "STATUS_SNAPSHOT"
)

// Topic maps the event type onto a dotted topic name used by brokers.
func (t EventType) Topic() string {
	switch t {
	case HealthChanged:
		return "fluxguard.events.health"
	case ActionExecuted:
		return "fluxguard.events.lifecycle"
	case StatusSnapshot:
		return "fluxguard.events.status"
	default:
		return "fluxguard.events.incident"
	}
}

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ServiceID string    `json:"service_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// NewEvent stamps a fresh ID on a domain event.
func NewEvent(t EventType, serviceID string, data any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ServiceID: serviceID,
		Timestamp: now,
		Source:    "control-plane",
		Data:      data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}
