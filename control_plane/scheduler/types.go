package scheduler

import (
	"time"
)

// TickName identifies one periodic job.
type TickName string

const (
	TickBackendHealth  TickName = "backend-health"
	TickFrontendHealth TickName = "frontend-health"
	TickMetrics        TickName = "metrics"
	TickAnomaly        TickName = "anomaly"
	TickStability      TickName = "stability"
	TickRetention      TickName = "retention"
	TickBroadcast      TickName = "broadcast"
)

// AllTicks lists every tick in start order.
var AllTicks = []TickName{
	TickBackendHealth, TickFrontendHealth, TickMetrics, TickAnomaly, TickStability, TickRetention, TickBroadcast,
}

// ParseTick validates a tick name from an API path.
func ParseTick(s string) (TickName, bool) {
	for _, t := range AllTicks {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// TickState is idle or running. A tick never runs twice concurrently.
type TickState string

const (
	StateIdle    TickState = "IDLE"
	StateRunning TickState = "RUNNING"
)

// Config holds the scheduler cadence and limits.
type Config struct {
	BackendHealthInterval  time.Duration
	FrontendHealthInterval time.Duration
	MetricsInterval        time.Duration
	AnomalyInterval        time.Duration
	StabilityInterval      time.Duration
	RetentionInterval      time.Duration
	BroadcastInterval      time.Duration

	// MaxConcurrency bounds the per-tick worker pool.
	MaxConcurrency int
	ProbeTimeout   time.Duration
	// UnitTimeout bounds one service's work inside a tick, including persistence.
	UnitTimeout time.Duration

	ProbeRatePerHost  float64
	ProbeBurstPerHost int

	RetentionHorizon  time.Duration
	IncidentAutoClose time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BackendHealthInterval:  15 * time.Second,
		FrontendHealthInterval: 60 * time.Second,
		MetricsInterval:        30 * time.Second,
		AnomalyInterval:        2 * time.Minute,
		StabilityInterval:      5 * time.Minute,
		RetentionInterval:      time.Hour,
		BroadcastInterval:      5 * time.Second,
		MaxConcurrency:         8,
		ProbeTimeout:           5 * time.Second,
		UnitTimeout:            20 * time.Second,
		ProbeRatePerHost:       5,
		ProbeBurstPerHost:      5,
		RetentionHorizon:       7 * 24 * time.Hour,
		IncidentAutoClose:      24 * time.Hour,
	}
}

func (c Config) interval(t TickName) time.Duration {
	switch t {
	case TickBackendHealth:
		return c.BackendHealthInterval
	case TickFrontendHealth:
		return c.FrontendHealthInterval
	case TickMetrics:
		return c.MetricsInterval
	case TickAnomaly:
		return c.AnomalyInterval
	case TickStability:
		return c.StabilityInterval
	case TickRetention:
		return c.RetentionInterval
	case TickBroadcast:
		return c.BroadcastInterval
	}
	return 0
}

// TickStatus exposes a tick's state for the dashboard.
type TickStatus struct {
	Name         TickName      `json:"name"`
	State        TickState     `json:"state"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastStarted  time.Time     `json:"last_started,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}
