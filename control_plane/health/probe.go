package health

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// FailureKind classifies why a probe produced no usable response.
type FailureKind string

const (
	FailureTimeout     FailureKind = "TIMEOUT"
	FailureUnreachable FailureKind = "UNREACHABLE"
	FailureBadStatus   FailureKind = "BAD_STATUS"
	FailureDecode      FailureKind = "DECODE"
)

// ProbeFailure is the typed error returned by a Prober.
type ProbeFailure struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (f *ProbeFailure) Error() string {
	switch {
	case f.Kind == FailureTimeout:
		return "timeout"
	case f.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", f.Kind, f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return string(f.Kind)
	}
}

func (f *ProbeFailure) Unwrap() error { return f.Err }

// ProbeResult is what a single probe observed.
type ProbeResult struct {
	Timestamp      time.Time
	Kind           store.ProbeKind
	Reachable      bool
	StatusCode     int
	ResponseTimeMs float64
	// Components maps sub-component name to its self-reported status.
	Components map[string]string
	// Metrics holds counters reported by the service, keyed like store.MetricsSnapshot values.
	Metrics map[string]float64
	Failure *ProbeFailure
}

// Prober executes one probe against one service with a bounded timeout.
type Prober interface {
	Probe(ctx context.Context, d store.Descriptor, kind store.ProbeKind, timeout time.Duration) (ProbeResult, error)
}
