package scoring

import (
	"sort"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Stability penalties and rewards.
const (
	penaltyDegraded  = 2
	penaltyCritical  = 5
	penaltyDown      = 10
	penaltyIncident  = 10
	rewardHealthyRun = 5
	healthyRunLength = 10
	maxStability     = 100.0
	minStability     = 0.0
)

type stabilityStep struct {
	at       time.Time
	status   store.HealthStatus
	incident bool
}

// Stability replays health records and incident openings in time order, starting from 100.
func Stability(probes []store.HealthProbeRecord, incidents []*store.Incident) float64 {
	steps := make([]stabilityStep, 0, len(probes)+len(incidents))
	for _, p := range probes {
		if p.Kind == store.ProbeMetrics {
			continue
		}
		steps = append(steps, stabilityStep{at: p.Timestamp, status: p.Status})
	}
	for _, inc := range incidents {
		steps = append(steps, stabilityStep{at: inc.CreatedAt, incident: true})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].at.Before(steps[j].at) })

	score := maxStability
	run := 0
	for _, s := range steps {
		if s.incident {
			score = clamp(score-penaltyIncident, minStability, maxStability)
			continue
		}
		switch s.status {
		case store.StatusHealthy:
			run++
			if run%healthyRunLength == 0 {
				score = clamp(score+rewardHealthyRun, minStability, maxStability)
			}
			continue
		case store.StatusDegraded:
			score = clamp(score-penaltyDegraded, minStability, maxStability)
		case store.StatusCritical:
			score = clamp(score-penaltyCritical, minStability, maxStability)
		case store.StatusDown:
			score = clamp(score-penaltyDown, minStability, maxStability)
		}
		// UNKNOWN neither rewards nor penalises but breaks a healthy run.
		run = 0
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
