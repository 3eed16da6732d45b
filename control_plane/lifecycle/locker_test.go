package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "orders")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "orders")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "billing")
	require.NoError(t, err, "locks are per service")
	other()

	unlock()
	again, err := l.Lock(context.Background(), "orders")
	require.NoError(t, err)
	again()
}

// memLocker is a store.Locker backed by a map.
type memLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func (m *memLocker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[key]; held {
		return false, nil
	}
	m.owners[key] = owner
	return true, nil
}

func (m *memLocker) ReleaseLock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[key] == owner {
		delete(m.owners, key)
	}
	return nil
}

func TestDistributedLocker(t *testing.T) {
	backend := &memLocker{owners: map[string]string{}}
	l := NewDistributedLocker(backend, time.Minute)
	l.poll = time.Millisecond

	unlock, err := l.Lock(context.Background(), "orders")
	require.NoError(t, err)
	assert.Contains(t, backend.owners, "fluxguard:services:orders:action-lock")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "orders")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Empty(t, backend.owners)
}
