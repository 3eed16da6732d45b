package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

type flakyStore struct {
	*store.MemoryStore
	appendFailures int
}

func (f *flakyStore) AppendProbe(ctx context.Context, rec store.HealthProbeRecord) error {
	if f.appendFailures > 0 {
		f.appendFailures--
		return errors.New("connection refused")
	}
	return f.MemoryStore.AppendProbe(ctx, rec)
}

func seed(t *testing.T, st store.Store) *store.ManagedService {
	t.Helper()
	svc, err := store.NewManagedService("orders", "Orders", store.KindBackend, store.Descriptor{Host: "orders", Port: 8080}, now)
	require.NoError(t, err)
	require.NoError(t, st.UpsertService(context.Background(), svc))
	return svc
}

func newDeriver(st store.Store, pub streaming.Publisher) *Deriver {
	return NewDeriver(st, defaultThresholds(), streaming.NewEmitter(pub, nil, false), nil).
		WithClock(func() time.Time { return now })
}

func TestObserveTimeoutRecordsDown(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := seed(t, st)
	pub := streaming.NewMemoryPublisher(0)

	tr, err := newDeriver(st, pub).Observe(ctx, svc, ProbeResult{}, &ProbeFailure{Kind: FailureTimeout})
	require.NoError(t, err)

	assert.Equal(t, store.StatusUnknown, tr.Previous)
	assert.Equal(t, store.StatusDown, tr.Current)
	assert.Equal(t, "timeout", tr.Record.ErrorMessage)

	got, err := st.GetService(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDown, got.HealthStatus)
	assert.Equal(t, now, got.LastHealthCheck)

	probes, err := st.ListProbes(ctx, "orders", time.Time{})
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, "timeout", probes[0].ErrorMessage)
	assert.False(t, probes[0].Reachable)

	assert.Len(t, pub.OfType(streaming.HealthChanged), 1)
}

func TestObserveUpdatesSnapshotFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := seed(t, st)

	res := okResult()
	res.ResponseTimeMs = 87
	res.Metrics = map[string]float64{store.MetricCPUPercent: 33, store.MetricErrorRate: 0.5}
	tr, err := newDeriver(st, nil).Observe(ctx, svc, res, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusHealthy, tr.Current)

	got, _ := st.GetService(ctx, "orders")
	assert.Equal(t, 87.0, got.ResponseTimeMs)
	assert.Equal(t, 33.0, got.CPUPercent)
	assert.Equal(t, 0.5, got.ErrorRate)
}

func TestObserveNoEventWithoutChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := seed(t, st)
	pub := streaming.NewMemoryPublisher(0)
	d := newDeriver(st, pub)

	_, err := d.Observe(ctx, svc, okResult(), nil)
	require.NoError(t, err)
	tr, err := d.Observe(ctx, svc, okResult(), nil)
	require.NoError(t, err)

	assert.False(t, tr.Changed())
	assert.Len(t, pub.OfType(streaming.HealthChanged), 1)
}

func TestObserveRetriesPersistenceOnce(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), appendFailures: 1}
	svc := seed(t, st)

	_, err := newDeriver(st, nil).Observe(ctx, svc, okResult(), nil)
	require.NoError(t, err)

	st.appendFailures = 2
	_, err = newDeriver(st, nil).Observe(ctx, svc, okResult(), nil)
	assert.Error(t, err)
}
