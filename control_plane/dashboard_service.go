package main

import (
	"context"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/coordination"
	"github.com/itskum47/FluxGuard/control_plane/scheduler"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// ServiceSummary is one row of the dashboard service table.
type ServiceSummary struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Kind            store.ServiceKind  `json:"kind"`
	Enabled         bool               `json:"enabled"`
	IsRunning       bool               `json:"is_running"`
	InstanceCount   int                `json:"instance_count"`
	HealthStatus    store.HealthStatus `json:"health_status"`
	RiskScore       float64            `json:"risk_score"`
	StabilityScore  float64            `json:"stability_score"`
	RiskTrend       store.RiskTrend    `json:"risk_trend"`
	LastHealthCheck time.Time          `json:"last_health_check"`
	ActiveIncident  string             `json:"active_incident,omitempty"`
}

// StatusSnapshot is the fleet view pushed to dashboards.
type StatusSnapshot struct {
	Services        []ServiceSummary           `json:"services"`
	StatusCounts    map[store.HealthStatus]int `json:"status_counts"`
	ActiveIncidents []*store.Incident          `json:"active_incidents"`
	Ticks           []scheduler.TickStatus     `json:"ticks,omitempty"`

	// Leadership
	IsLeader          bool   `json:"is_leader"`
	LeaderTransitions int64  `json:"leader_transitions"`
	NodeID            string `json:"node_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// DashboardService assembles the status snapshot from the store, scheduler and elector.
type DashboardService struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	elector   *coordination.LeaderElector
	emitter   *streaming.Emitter
	now       func() time.Time
}

func NewDashboardService(st store.Store, emitter *streaming.Emitter) *DashboardService {
	return &DashboardService{store: st, emitter: emitter, now: time.Now}
}

// Attach links the scheduler and elector once they exist; both are optional.
func (s *DashboardService) Attach(sched *scheduler.Scheduler, elector *coordination.LeaderElector) {
	s.scheduler = sched
	s.elector = elector
}

// Snapshot collects the current fleet status.
func (s *DashboardService) Snapshot(ctx context.Context) (StatusSnapshot, error) {
	svcs, err := s.store.ListServices(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	active, err := s.store.ListIncidents(ctx, store.IncidentFilter{ActiveOnly: true})
	if err != nil {
		return StatusSnapshot{}, err
	}

	byService := make(map[string]string, len(active))
	for _, inc := range active {
		byService[inc.ServiceID] = inc.ID
	}

	snap := StatusSnapshot{
		Services:        make([]ServiceSummary, 0, len(svcs)),
		StatusCounts:    make(map[store.HealthStatus]int),
		ActiveIncidents: active,
		Timestamp:       s.now(),
	}
	if snap.ActiveIncidents == nil {
		snap.ActiveIncidents = []*store.Incident{}
	}
	for _, svc := range svcs {
		snap.StatusCounts[svc.HealthStatus]++
		snap.Services = append(snap.Services, ServiceSummary{
			ID:              svc.ID,
			Name:            svc.Name,
			Kind:            svc.Kind,
			Enabled:         svc.Enabled,
			IsRunning:       svc.IsRunning,
			InstanceCount:   svc.InstanceCount,
			HealthStatus:    svc.HealthStatus,
			RiskScore:       svc.RiskScore,
			StabilityScore:  svc.StabilityScore,
			RiskTrend:       svc.RiskTrend,
			LastHealthCheck: svc.LastHealthCheck,
			ActiveIncident:  byService[svc.ID],
		})
	}

	if s.scheduler != nil {
		snap.Ticks = s.scheduler.Status()
	}
	if s.elector != nil {
		st := s.elector.State()
		snap.IsLeader = st.IsLeader
		snap.LeaderTransitions = st.Transitions
		snap.NodeID = st.NodeID
	} else {
		// Standalone replicas always run the scheduler.
		snap.IsLeader = true
	}
	return snap, nil
}

// Broadcast publishes the snapshot as a STATUS_SNAPSHOT event. It is the scheduler's
// broadcast tick.
func (s *DashboardService) Broadcast(ctx context.Context) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.emitter.Emit(streaming.NewEvent(streaming.StatusSnapshot, "", snap, snap.Timestamp))
	return nil
}
