package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

func TestPersistOnceRetriesExactlyOnce(t *testing.T) {
	calls := 0
	err := PersistOnceWithDelay(context.Background(), "test", 0, func() error {
		calls++
		return errors.New("connection reset")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestPersistOnceRecoversOnSecondAttempt(t *testing.T) {
	calls := 0
	err := PersistOnceWithDelay(context.Background(), "test", 0, func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPersistOnceDoesNotRetryDomainErrors(t *testing.T) {
	calls := 0
	err := PersistOnceWithDelay(context.Background(), "test", 0, func() error {
		calls++
		return fmt.Errorf("create: %w", store.ErrActiveIncidentExists)
	})
	assert.ErrorIs(t, err, store.ErrActiveIncidentExists)
	assert.Equal(t, 1, calls)
}

func TestTickErrorMessage(t *testing.T) {
	err := &TickError{Tick: "backend_health", Total: 3, Succeeded: 1, Failed: 1, Panicked: 1}
	assert.Contains(t, err.Error(), "backend_health")
	assert.Contains(t, err.Error(), "total: 3")
}
