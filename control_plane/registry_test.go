package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FluxGuard/control_plane/config"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

func TestSeedServicesCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cfgs := []config.ServiceConfig{
		{ID: "orders", Kind: "backend", Host: "10.0.0.1", Port: 8080, HealthPath: "/health", WarningLatencyMs: 200, CriticalLatencyMs: 800},
		{ID: "web", Name: "Storefront", Kind: "FRONTEND", Host: "10.0.0.2", Port: 80, Disabled: true},
	}
	require.NoError(t, seedServices(ctx, st, cfgs, now))

	orders, err := st.GetService(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, store.KindBackend, orders.Kind)
	assert.Equal(t, 800.0, orders.Thresholds.CriticalLatencyMs)
	assert.True(t, orders.Enabled)

	web, err := st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "Storefront", web.Name)
	assert.False(t, web.Enabled)

	// Runtime state survives a re-seed.
	_, err = st.MutateService(ctx, "orders", func(s *store.ManagedService) error {
		s.HealthStatus = store.StatusDegraded
		s.InstanceCount = 4
		return nil
	})
	require.NoError(t, err)

	cfgs[0].Port = 9090
	require.NoError(t, seedServices(ctx, st, cfgs, now.Add(time.Minute)))

	orders, err = st.GetService(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 9090, orders.Descriptor.Port)
	assert.Equal(t, store.StatusDegraded, orders.HealthStatus)
	assert.Equal(t, 4, orders.InstanceCount)
}

func TestSeedServicesRejectsInvalidDescriptor(t *testing.T) {
	err := seedServices(context.Background(), store.NewMemoryStore(), []config.ServiceConfig{{ID: "x", Host: ""}}, time.Now())
	assert.Error(t, err)
}
