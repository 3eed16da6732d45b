package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds services, observations, incidents and audit records in memory.
// It implements the Store interface.
type MemoryStore struct {
	mu        sync.RWMutex
	services  map[string]*ManagedService
	probes    map[string][]HealthProbeRecord
	metrics   map[string][]MetricsSnapshot
	scores    map[string][]ScoreRecord
	incidents map[string]*Incident
	audit     []*AuditRecord
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  make(map[string]*ManagedService),
		probes:    make(map[string][]HealthProbeRecord),
		metrics:   make(map[string][]MetricsSnapshot),
		scores:    make(map[string][]ScoreRecord),
		incidents: make(map[string]*Incident),
	}
}

// --- Service Operations ---

func (s *MemoryStore) UpsertService(ctx context.Context, svc *ManagedService) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svcCopy := *svc
	s.services[svc.ID] = &svcCopy
	return nil
}

func (s *MemoryStore) GetService(ctx context.Context, id string) (*ManagedService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return copy
	svcCopy := *svc
	return &svcCopy, nil
}

func (s *MemoryStore) ListServices(ctx context.Context) ([]*ManagedService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ManagedService, 0, len(s.services))
	for _, svc := range s.services {
		svcCopy := *svc
		result = append(result, &svcCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) MutateService(ctx context.Context, id string, fn func(*ManagedService) error) (*ManagedService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := *svc
	if err := fn(&working); err != nil {
		return nil, err
	}
	s.services[id] = &working
	out := working
	return &out, nil
}

// --- Observation Operations ---

func (s *MemoryStore) AppendProbe(ctx context.Context, rec HealthProbeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Components = copyComponents(rec.Components)
	s.probes[rec.ServiceID] = insertChronological(s.probes[rec.ServiceID], rec, func(r HealthProbeRecord) time.Time { return r.Timestamp })
	return nil
}

func (s *MemoryStore) ListProbes(ctx context.Context, serviceID string, since time.Time) ([]HealthProbeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HealthProbeRecord
	for _, r := range s.probes[serviceID] {
		if r.Timestamp.Before(since) {
			continue
		}
		r.Components = copyComponents(r.Components)
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) AppendMetrics(ctx context.Context, snap MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Values = copyValues(snap.Values)
	s.metrics[snap.ServiceID] = insertChronological(s.metrics[snap.ServiceID], snap, func(m MetricsSnapshot) time.Time { return m.Timestamp })
	return nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, serviceID string, since time.Time) ([]MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MetricsSnapshot
	for _, m := range s.metrics[serviceID] {
		if m.Timestamp.Before(since) {
			continue
		}
		m.Values = copyValues(m.Values)
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) AppendScore(ctx context.Context, rec ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[rec.ServiceID] = insertChronological(s.scores[rec.ServiceID], rec, func(r ScoreRecord) time.Time { return r.Timestamp })
	return nil
}

func (s *MemoryStore) ListScores(ctx context.Context, serviceID string, since time.Time) ([]ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoreRecord
	for _, r := range s.scores[serviceID] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Incident Operations ---

func (s *MemoryStore) CreateIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inc.Status.IsActive() {
		for _, existing := range s.incidents {
			if existing.ServiceID == inc.ServiceID && existing.Status.IsActive() {
				return ErrActiveIncidentExists
			}
		}
	}
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *MemoryStore) UpdateIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[inc.ID]; !ok {
		return ErrNotFound
	}
	if inc.Status.IsActive() {
		for id, existing := range s.incidents {
			if id != inc.ID && existing.ServiceID == inc.ServiceID && existing.Status.IsActive() {
				return ErrActiveIncidentExists
			}
		}
	}
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIncident(inc), nil
}

func (s *MemoryStore) ActiveIncident(ctx context.Context, serviceID string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inc := range s.incidents {
		if inc.ServiceID == serviceID && inc.Status.IsActive() {
			return copyIncident(inc), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Incident
	for _, inc := range s.incidents {
		if f.ServiceID != "" && inc.ServiceID != f.ServiceID {
			continue
		}
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !inc.Status.IsActive() {
			continue
		}
		if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, copyIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// --- Audit Operations ---

func (s *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recCopy := *rec
	s.audit = append(s.audit, &recCopy)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for _, rec := range s.audit {
		if f.ServiceID != "" && rec.ServiceID != f.ServiceID {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// --- Retention ---

func (s *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (PurgeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats PurgeStats
	for id, recs := range s.probes {
		kept := dropBefore(recs, cutoff, func(r HealthProbeRecord) time.Time { return r.Timestamp })
		stats.Probes += len(recs) - len(kept)
		s.probes[id] = kept
	}
	for id, snaps := range s.metrics {
		kept := dropBefore(snaps, cutoff, func(m MetricsSnapshot) time.Time { return m.Timestamp })
		stats.Metrics += len(snaps) - len(kept)
		s.metrics[id] = kept
	}
	for id, recs := range s.scores {
		kept := dropBefore(recs, cutoff, func(r ScoreRecord) time.Time { return r.Timestamp })
		stats.Scores += len(recs) - len(kept)
		s.scores[id] = kept
	}
	return stats, nil
}

// insertChronological keeps per-service slices sorted even if a slow probe lands late.
func insertChronological[T any](xs []T, x T, ts func(T) time.Time) []T {
	i := len(xs)
	for i > 0 && ts(xs[i-1]).After(ts(x)) {
		i--
	}
	xs = append(xs, x)
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

func dropBefore[T any](xs []T, cutoff time.Time, ts func(T) time.Time) []T {
	i := sort.Search(len(xs), func(i int) bool { return !ts(xs[i]).Before(cutoff) })
	if i == 0 {
		return xs
	}
	return append([]T(nil), xs[i:]...)
}

func copyIncident(inc *Incident) *Incident {
	c := *inc
	return &c
}

func copyComponents(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyValues(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
