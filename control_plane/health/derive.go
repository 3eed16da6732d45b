package health

import (
	"strings"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Thresholds are the limits DeriveStatus checks a probe result against.
type Thresholds struct {
	WarningErrorRate   float64
	CriticalErrorRate  float64
	WarningLatencyMs   float64
	CriticalLatencyMs  float64
	StalenessWindow    time.Duration
	CriticalComponents []string
}

// For returns t with any non-zero per-service overrides applied.
func (t Thresholds) For(o store.Thresholds) Thresholds {
	if o.WarningErrorRate > 0 {
		t.WarningErrorRate = o.WarningErrorRate
	}
	if o.CriticalErrorRate > 0 {
		t.CriticalErrorRate = o.CriticalErrorRate
	}
	if o.WarningLatencyMs > 0 {
		t.WarningLatencyMs = o.WarningLatencyMs
	}
	if o.CriticalLatencyMs > 0 {
		t.CriticalLatencyMs = o.CriticalLatencyMs
	}
	return t
}

func (t Thresholds) isCritical(component string) bool {
	for _, c := range t.CriticalComponents {
		if strings.EqualFold(c, component) {
			return true
		}
	}
	return false
}

func componentFailed(status string) bool {
	switch strings.ToUpper(status) {
	case "DOWN", "FAILED", "OUT_OF_SERVICE":
		return true
	}
	return false
}

func componentHealthy(status string) bool {
	switch strings.ToUpper(status) {
	case "UP", "OK", "HEALTHY", "PASS":
		return true
	}
	return false
}

// ErrorRate returns the reported error rate in percent, if any.
func (r ProbeResult) ErrorRate() (float64, bool) {
	v, ok := r.Metrics[store.MetricErrorRate]
	return v, ok
}

// LatencyMs prefers a reported p95 over the probe's own round-trip time.
func (r ProbeResult) LatencyMs() float64 {
	if v, ok := r.Metrics[store.MetricLatencyP95]; ok {
		return v
	}
	return r.ResponseTimeMs
}

func above(v, limit float64) bool {
	return limit > 0 && v > limit
}

// DeriveStatus maps a probe result onto a health status. The first matching rule wins.
func DeriveStatus(r ProbeResult, th Thresholds, now time.Time) store.HealthStatus {
	// 1. No usable response.
	if !r.Reachable || r.StatusCode >= 500 {
		return store.StatusDown
	}
	if r.Failure != nil && (r.Failure.Kind == FailureTimeout || r.Failure.Kind == FailureUnreachable) {
		return store.StatusDown
	}

	// 2. A critical dependency is down.
	for name, status := range r.Components {
		if th.isCritical(name) && componentFailed(status) {
			return store.StatusCritical
		}
	}

	// 3. Critical error rate or latency.
	errRate, hasErrRate := r.ErrorRate()
	latency := r.LatencyMs()
	if (hasErrRate && above(errRate, th.CriticalErrorRate)) || above(latency, th.CriticalLatencyMs) {
		return store.StatusCritical
	}

	// 4. Partial degradation.
	for _, status := range r.Components {
		if !componentHealthy(status) {
			return store.StatusDegraded
		}
	}
	if (hasErrRate && above(errRate, th.WarningErrorRate)) || above(latency, th.WarningLatencyMs) {
		return store.StatusDegraded
	}
	if r.Failure != nil {
		// 4xx or an undecodable body: the service answers but not correctly.
		return store.StatusDegraded
	}

	// 5. Stale.
	if r.Timestamp.IsZero() || (th.StalenessWindow > 0 && now.Sub(r.Timestamp) > th.StalenessWindow) {
		return store.StatusUnknown
	}

	return store.StatusHealthy
}
