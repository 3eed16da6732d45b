package scoring

import (
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// RiskReference normalises metric levels and slopes into [0,1].
// A metric at its reference value (or rising by it per hour) contributes fully.
type RiskReference struct {
	ErrorRate float64 // percent
	LatencyMs float64
	CPU       float64 // percent
}

// DefaultRiskReference uses the default critical thresholds.
var DefaultRiskReference = RiskReference{ErrorRate: 20, LatencyMs: 5000, CPU: 100}

// Weights of the fallback formula.
const (
	weightErrorRate = 0.4
	weightLatency   = 0.3
	weightCPU       = 0.3
	weightLevel     = 0.5
	weightSlope     = 0.5
)

// healthFloor is the minimum risk for a service currently in the given status.
func healthFloor(status store.HealthStatus) float64 {
	switch status {
	case store.StatusDown:
		return 80
	case store.StatusCritical:
		return 60
	case store.StatusDegraded:
		return 30
	default:
		return 0
	}
}

// FallbackRisk is the deterministic risk score used when no analyzer answer is available.
//
//	level = 0.4*err/refErr + 0.3*lat/refLat + 0.3*cpu/refCPU          (each term capped at 1)
//	slope = same weights over positive least-squares slopes per hour  (each term capped at 1)
//	risk  = max(100*(0.5*level + 0.5*slope), floor(status))
func FallbackRisk(snaps []store.MetricsSnapshot, status store.HealthStatus, ref RiskReference) float64 {
	floor := healthFloor(status)
	if len(snaps) == 0 {
		return clamp(floor, 0, 100)
	}

	var sumErr, sumLat, sumCPU float64
	xs := make([]float64, len(snaps))
	errs := make([]float64, len(snaps))
	lats := make([]float64, len(snaps))
	cpus := make([]float64, len(snaps))
	origin := snaps[0].Timestamp
	for i, s := range snaps {
		xs[i] = s.Timestamp.Sub(origin).Hours()
		errs[i], lats[i], cpus[i] = s.ErrorRate(), s.Latency(), s.CPU()
		sumErr += errs[i]
		sumLat += lats[i]
		sumCPU += cpus[i]
	}
	n := float64(len(snaps))

	level := weightErrorRate*ratio(sumErr/n, ref.ErrorRate) +
		weightLatency*ratio(sumLat/n, ref.LatencyMs) +
		weightCPU*ratio(sumCPU/n, ref.CPU)

	slope := weightErrorRate*ratio(Slope(xs, errs), ref.ErrorRate) +
		weightLatency*ratio(Slope(xs, lats), ref.LatencyMs) +
		weightCPU*ratio(Slope(xs, cpus), ref.CPU)

	risk := 100 * (weightLevel*level + weightSlope*slope)
	if risk < floor {
		risk = floor
	}
	return clamp(risk, 0, 100)
}

// ratio is v/ref clamped to [0,1]; falling metrics contribute nothing.
func ratio(v, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return clamp(v/ref, 0, 1)
}

// Slope is the least-squares slope of ys over xs. Fewer than two distinct xs gives 0.
func Slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// BlendRisk combines an analyzer hint with the fallback by the analyzer's confidence.
func BlendRisk(hint, confidence, fallback float64) float64 {
	c := clamp(confidence, 0, 1)
	return clamp(c*clamp(hint, 0, 100)+(1-c)*fallback, 0, 100)
}

// RiskLevel buckets a risk score into a severity.
func RiskLevel(risk float64) store.Severity {
	switch {
	case risk >= 75:
		return store.SeverityCritical
	case risk >= 50:
		return store.SeverityHigh
	case risk >= 25:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}

// Trend compares the mean risk of [now-w, now] with [now-2w, now-w).
func Trend(records []store.ScoreRecord, now time.Time, window time.Duration, delta float64) store.RiskTrend {
	curStart := now.Add(-window)
	prevStart := now.Add(-2 * window)

	var curSum, prevSum float64
	var curN, prevN int
	for _, r := range records {
		switch {
		case r.Timestamp.After(now):
			continue
		case !r.Timestamp.Before(curStart):
			curSum += r.RiskScore
			curN++
		case !r.Timestamp.Before(prevStart):
			prevSum += r.RiskScore
			prevN++
		}
	}
	if prevN == 0 || curN == 0 {
		return store.TrendStable
	}
	diff := curSum/float64(curN) - prevSum/float64(prevN)
	switch {
	case diff > delta:
		return store.TrendDegrading
	case diff < -delta:
		return store.TrendImproving
	default:
		return store.TrendStable
	}
}
