package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/config"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// seedServices registers the configured services. Existing records keep their runtime
// state (health, scores, instance count); only the descriptor, thresholds and enabled
// flag follow the configuration.
func seedServices(ctx context.Context, st store.Store, services []config.ServiceConfig, now time.Time) error {
	for _, sc := range services {
		kind := store.ServiceKind(strings.ToUpper(sc.Kind))
		if kind == "" {
			kind = store.KindBackend
		}
		d := store.Descriptor{
			Scheme:      sc.Scheme,
			Host:        sc.Host,
			Port:        sc.Port,
			HealthPath:  sc.HealthPath,
			MetricsPath: sc.MetricsPath,
			AgentURL:    sc.AgentURL,
		}
		th := store.Thresholds{
			WarningErrorRate:  sc.WarningErrorRate,
			CriticalErrorRate: sc.CriticalErrorRate,
			WarningLatencyMs:  sc.WarningLatencyMs,
			CriticalLatencyMs: sc.CriticalLatencyMs,
		}

		svc, err := store.NewManagedService(sc.ID, sc.Name, kind, d, now)
		if err != nil {
			return fmt.Errorf("seed service: %w", err)
		}

		_, err = st.MutateService(ctx, sc.ID, func(existing *store.ManagedService) error {
			existing.Name = svc.Name
			existing.Kind = kind
			existing.Descriptor = d
			existing.Thresholds = th
			existing.Enabled = !sc.Disabled
			existing.UpdatedAt = now
			return nil
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed service %s: %w", sc.ID, err)
		}

		svc.Thresholds = th
		svc.Enabled = !sc.Disabled
		if err := st.UpsertService(ctx, svc); err != nil {
			return fmt.Errorf("seed service %s: %w", sc.ID, err)
		}
	}
	return nil
}
