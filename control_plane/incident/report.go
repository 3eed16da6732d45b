package incident

import (
	"context"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Report gathers the context around an incident for debugging.
type Report struct {
	Incident   *store.Incident           `json:"incident"`
	Service    *store.ManagedService     `json:"service"`
	Probes     []store.HealthProbeRecord `json:"probes"`
	Scores     []store.ScoreRecord       `json:"scores"`
	Actions    []*store.AuditRecord      `json:"actions"`
	CapturedAt time.Time                 `json:"captured_at"`
}

// ReportSource defines the reads needed for capture.
type ReportSource interface {
	GetIncident(ctx context.Context, id string) (*store.Incident, error)
	GetService(ctx context.Context, id string) (*store.ManagedService, error)
	ListProbes(ctx context.Context, serviceID string, since time.Time) ([]store.HealthProbeRecord, error)
	ListScores(ctx context.Context, serviceID string, since time.Time) ([]store.ScoreRecord, error)
	ListAudit(ctx context.Context, f store.AuditFilter) ([]*store.AuditRecord, error)
}

// Capture collects probes, scores and lifecycle actions from lookback before the
// incident opened until it was resolved (or now, if still active).
func Capture(ctx context.Context, s ReportSource, id string, lookback time.Duration, now time.Time) (*Report, error) {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	svc, err := s.GetService(ctx, inc.ServiceID)
	if err != nil {
		return nil, err
	}

	since := inc.CreatedAt.Add(-lookback)
	until := now
	if inc.ResolvedAt != nil {
		until = *inc.ResolvedAt
	}

	probes, err := s.ListProbes(ctx, inc.ServiceID, since)
	if err != nil {
		return nil, err
	}
	scores, err := s.ListScores(ctx, inc.ServiceID, since)
	if err != nil {
		return nil, err
	}
	actions, err := s.ListAudit(ctx, store.AuditFilter{ServiceID: inc.ServiceID, Since: since})
	if err != nil {
		return nil, err
	}

	return &Report{
		Incident:   inc,
		Service:    svc,
		Probes:     upTo(probes, until, func(p store.HealthProbeRecord) time.Time { return p.Timestamp }),
		Scores:     upTo(scores, until, func(r store.ScoreRecord) time.Time { return r.Timestamp }),
		Actions:    upTo(actions, until, func(a *store.AuditRecord) time.Time { return a.StartedAt }),
		CapturedAt: now,
	}, nil
}

func upTo[T any](xs []T, until time.Time, ts func(T) time.Time) []T {
	out := make([]T, 0, len(xs))
	for _, x := range xs {
		if !ts(x).After(until) {
			out = append(out, x)
		}
	}
	return out
}
