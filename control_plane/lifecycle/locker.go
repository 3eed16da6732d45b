package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Locker serializes lifecycle actions per service.
type Locker interface {
	// Lock blocks until the service lock is held or ctx is done.
	Lock(ctx context.Context, serviceID string) (unlock func(), err error)
}

// LocalLocker is an in-process per-service lock.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, serviceID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[serviceID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[serviceID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DistributedLocker holds the per-service lock in a shared store.Locker (Redis) so
// replicas behind a load balancer also exclude each other.
type DistributedLocker struct {
	locker store.Locker
	owner  string
	ttl    time.Duration
	poll   time.Duration
}

// NewDistributedLocker uses ttl as the lease; it must exceed the executor timeout.
func NewDistributedLocker(l store.Locker, ttl time.Duration) *DistributedLocker {
	return &DistributedLocker{
		locker: l,
		owner:  uuid.NewString(),
		ttl:    ttl,
		poll:   100 * time.Millisecond,
	}
}

func (d *DistributedLocker) Lock(ctx context.Context, serviceID string) (func(), error) {
	key := store.ServiceKey(serviceID, store.ResourceActionLock)
	owner := d.owner + ":" + uuid.NewString()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		ok, err := d.locker.AcquireLock(ctx, key, owner, d.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = d.locker.ReleaseLock(ctx, key, owner)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
