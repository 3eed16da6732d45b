package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// DefaultRetryDelay is the pause before the single persistence retry.
const DefaultRetryDelay = 50 * time.Millisecond

// PersistOnce runs op and retries it exactly once if it fails.
// Domain outcomes (not found, active incident exists) are not retried.
func PersistOnce(ctx context.Context, operation string, op func() error) error {
	return PersistOnceWithDelay(ctx, operation, DefaultRetryDelay, op)
}

func PersistOnceWithDelay(ctx context.Context, operation string, delay time.Duration, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			observability.PersistRetries.WithLabelValues(operation).Inc()
		}
		err := op()
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrActiveIncidentExists) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
	)
	return err
}
