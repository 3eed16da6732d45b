// Package aggregator stores metrics snapshots and answers windowed statistics over them.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/resilience"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Sink mirrors snapshots to an external time-series system. Sink failures are
// logged and never fail ingestion.
type Sink interface {
	Write(ctx context.Context, snap store.MetricsSnapshot) error
	Close() error
}

// Stats summarises the snapshots of one service over a window.
type Stats struct {
	ServiceID    string    `json:"service_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Samples      int       `json:"samples"`
	AvgCPU       float64   `json:"avg_cpu"`
	AvgMemory    float64   `json:"avg_memory"`
	AvgErrorRate float64   `json:"avg_error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
}

// rolling is the running aggregate kept in memory per service.
type rolling struct {
	last    store.MetricsSnapshot
	count   int64
	ewmaCPU float64
	ewmaLat float64
}

const ewmaAlpha = 0.2

type Aggregator struct {
	store  store.Store
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	rolling map[string]*rolling
}

func New(st store.Store, logger *slog.Logger, sinks ...Sink) *Aggregator {
	return &Aggregator{
		store:   st,
		sinks:   sinks,
		logger:  observability.OrDiscard(logger).With("component", "aggregator"),
		now:     time.Now,
		rolling: make(map[string]*rolling),
	}
}

// WithClock replaces the wall clock. Tests only.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Ingest persists a snapshot, refreshes the service's snapshot fields and mirrors it to sinks.
func (a *Aggregator) Ingest(ctx context.Context, snap store.MetricsSnapshot) error {
	if snap.ServiceID == "" {
		return fmt.Errorf("ingest: snapshot without service id")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = a.now()
	}

	if err := resilience.PersistOnce(ctx, "append_metrics", func() error {
		return a.store.AppendMetrics(ctx, snap)
	}); err != nil {
		return fmt.Errorf("append metrics for %s: %w", snap.ServiceID, err)
	}

	if err := resilience.PersistOnce(ctx, "update_service_metrics", func() error {
		_, err := a.store.MutateService(ctx, snap.ServiceID, func(s *store.ManagedService) error {
			s.LastMetricsCollection = snap.Timestamp
			if v, ok := snap.Values[store.MetricCPUPercent]; ok {
				s.CPUPercent = v
			}
			if v, ok := snap.Values[store.MetricMemoryPercent]; ok {
				s.MemoryPercent = v
			}
			if v, ok := snap.Values[store.MetricErrorRate]; ok {
				s.ErrorRate = v
			}
			s.UpdatedAt = a.now()
			return nil
		})
		return err
	}); err != nil {
		return fmt.Errorf("update service %s: %w", snap.ServiceID, err)
	}

	a.updateRolling(snap)

	for _, sink := range a.sinks {
		if err := sink.Write(ctx, snap); err != nil {
			a.logger.Warn("metrics sink write failed", "service_id", snap.ServiceID, "error", err)
		}
	}
	return nil
}

func (a *Aggregator) updateRolling(snap store.MetricsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rolling[snap.ServiceID]
	if !ok {
		a.rolling[snap.ServiceID] = &rolling{last: snap, count: 1, ewmaCPU: snap.CPU(), ewmaLat: snap.Latency()}
		return
	}
	if !snap.Timestamp.Before(r.last.Timestamp) {
		r.last = snap
	}
	r.count++
	r.ewmaCPU = ewmaAlpha*snap.CPU() + (1-ewmaAlpha)*r.ewmaCPU
	r.ewmaLat = ewmaAlpha*snap.Latency() + (1-ewmaAlpha)*r.ewmaLat
}

// Rolling is the in-memory running view of one service.
type Rolling struct {
	Last            store.MetricsSnapshot `json:"last"`
	Count           int64                 `json:"count"`
	SmoothedCPU     float64               `json:"smoothed_cpu"`
	SmoothedLatency float64               `json:"smoothed_latency_ms"`
}

// Latest returns the running aggregate for serviceID, if any snapshot was ingested.
func (a *Aggregator) Latest(serviceID string) (Rolling, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.rolling[serviceID]
	if !ok {
		return Rolling{}, false
	}
	return Rolling{Last: r.last, Count: r.count, SmoothedCPU: r.ewmaCPU, SmoothedLatency: r.ewmaLat}, true
}

// WindowStats summarises snapshots in [now-window, now]. It never writes.
func (a *Aggregator) WindowStats(ctx context.Context, serviceID string, window time.Duration) (Stats, error) {
	to := a.now()
	from := to.Add(-window)
	snaps, err := a.store.ListMetrics(ctx, serviceID, from)
	if err != nil {
		return Stats{}, fmt.Errorf("list metrics for %s: %w", serviceID, err)
	}
	return Summarise(serviceID, from, to, snaps), nil
}

// Summarise computes Stats over snaps that fall inside [from, to].
func Summarise(serviceID string, from, to time.Time, snaps []store.MetricsSnapshot) Stats {
	st := Stats{ServiceID: serviceID, From: from, To: to}
	var latencies []float64
	var sumCPU, sumMem, sumErr, sumLat float64
	for _, s := range snaps {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		st.Samples++
		sumCPU += s.CPU()
		sumMem += s.Memory()
		sumErr += s.ErrorRate()
		lat := s.Latency()
		sumLat += lat
		latencies = append(latencies, lat)
	}
	if st.Samples == 0 {
		return st
	}
	n := float64(st.Samples)
	st.AvgCPU = sumCPU / n
	st.AvgMemory = sumMem / n
	st.AvgErrorRate = sumErr / n
	st.AvgLatencyMs = sumLat / n
	st.P95LatencyMs = percentile(latencies, 0.95)
	return st
}

// percentile uses nearest-rank on a sorted copy.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Purge removes snapshots, probe records and score records older than horizon.
func (a *Aggregator) Purge(ctx context.Context, horizon time.Duration) (store.PurgeStats, error) {
	cutoff := a.now().Add(-horizon)
	stats, err := a.store.Purge(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	observability.RetentionPurged.WithLabelValues("probes").Add(float64(stats.Probes))
	observability.RetentionPurged.WithLabelValues("metrics").Add(float64(stats.Metrics))
	observability.RetentionPurged.WithLabelValues("scores").Add(float64(stats.Scores))
	a.logger.Info("retention purge", "cutoff", cutoff, "probes", stats.Probes, "metrics", stats.Metrics, "scores", stats.Scores)
	return stats, nil
}

// Close closes every sink.
func (a *Aggregator) Close() error {
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
