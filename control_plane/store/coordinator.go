package store

import (
	"context"
	"time"
)

// Locker provides owner-scoped mutual exclusion across control plane replicas.
type Locker interface {
	// AcquireLock returns true if the lock was taken, false if another owner holds it.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error
}
