package coordination

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Lease is a renewable owner-scoped lock.
type Lease interface {
	store.Locker
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
}

// LeaderState is exposed on the dashboard.
type LeaderState struct {
	IsLeader    bool   `json:"is_leader"`
	NodeID      string `json:"node_id"`
	Transitions int64  `json:"transitions"`
}

// LeaderElector makes exactly one replica run the scheduler ticks. Leadership is a
// lease in Redis renewed every ttl/3; after maxRenewFailures consecutive renew
// errors the node steps down so two replicas never probe and escalate at once.
type LeaderElector struct {
	lease   Lease
	nodeID  string
	lockKey string
	ttl     time.Duration
	logger  *slog.Logger

	mu          sync.RWMutex
	isLeader    bool
	transitions int64

	onElected func()
	onLost    func()

	wg sync.WaitGroup
}

const maxRenewFailures = 3

func NewLeaderElector(lease Lease, ttl time.Duration, logger *slog.Logger) *LeaderElector {
	return &LeaderElector{
		lease:   lease,
		nodeID:  uuid.NewString(),
		lockKey: store.LeaderKey,
		ttl:     ttl,
		logger:  observability.OrDiscard(logger).With("component", "leader"),
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start campaigns until ctx is cancelled, then releases the lease.
func (l *LeaderElector) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.loop(ctx)
}

// Wait blocks until the campaign loop has exited.
func (l *LeaderElector) Wait() {
	l.wg.Wait()
}

func (l *LeaderElector) loop(ctx context.Context) {
	defer l.wg.Done()

	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl
	renewFailures := 0

	// Campaign immediately rather than after the first interval.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.lease.RenewLock(ctx, l.lockKey, l.nodeID, l.ttl)
				switch {
				case err == nil && !renewed:
					l.logger.Warn("lease lost to another node")
					l.stepDown()
					renewFailures = 0
				case err == nil:
					renewFailures = 0
				default:
					renewFailures++
					l.logger.Warn("lease renew failed", "attempt", renewFailures, "max", maxRenewFailures, "error", err)
					if renewFailures >= maxRenewFailures {
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.lease.AcquireLock(ctx, l.lockKey, l.nodeID, l.ttl)
				if err == nil && acquired {
					l.becomeLeader()
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{IsLeader: l.isLeader, NodeID: l.nodeID, Transitions: l.transitions}
}

func (l *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.lease.ReleaseLock(ctx, l.lockKey, l.nodeID); err != nil {
		l.logger.Warn("lease release failed", "error", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	l.logger.Info("acquired scheduler leadership", "node_id", l.nodeID)
	if l.onElected != nil {
		l.onElected()
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	l.logger.Info("lost scheduler leadership", "node_id", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
