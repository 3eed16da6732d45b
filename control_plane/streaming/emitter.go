package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
)

const (
	defaultPublishTimeout = 2 * time.Second
	// DefaultEmitBuffer is the queue length of an async emitter.
	DefaultEmitBuffer = 1024
)

// Emitter publishes events best-effort: failures are logged and metered but never
// returned, so an outage of a sink cannot block health or lifecycle processing.
// A nil *Emitter drops everything.
//
// An async emitter queues events for a single worker, so sinks see them in emit
// order. When the queue is full the event is dropped and counted.
type Emitter struct {
	pub     Publisher
	logger  *slog.Logger
	timeout time.Duration

	queue   chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewEmitter wraps pub. With async set, events are published by a background worker
// with a queue of DefaultEmitBuffer; otherwise Emit publishes inline.
func NewEmitter(pub Publisher, logger *slog.Logger, async bool) *Emitter {
	if async {
		return NewAsyncEmitter(pub, logger, DefaultEmitBuffer)
	}
	return &Emitter{
		pub:     pub,
		logger:  observability.OrDiscard(logger).With("component", "emitter"),
		timeout: defaultPublishTimeout,
	}
}

// NewAsyncEmitter starts the publishing worker with a queue of buffer events.
// Close stops it.
func NewAsyncEmitter(pub Publisher, logger *slog.Logger, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEmitBuffer
	}
	e := &Emitter{
		pub:     pub,
		logger:  observability.OrDiscard(logger).With("component", "emitter"),
		timeout: defaultPublishTimeout,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(ev Event) {
	if e == nil || e.pub == nil {
		return
	}
	if e.queue == nil {
		e.publish(ev)
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ev, "closed")
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.drop(ev, "queue_full")
	}
}

// Dropped returns how many events were discarded without being published.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are published or
// ctx is done. It is a no-op for synchronous emitters.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil || e.queue == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("emitter closed before draining", "pending", len(e.queue))
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.publish(ev)
	}
}

func (e *Emitter) drop(ev Event, reason string) {
	e.dropped.Add(1)
	observability.EventsDropped.WithLabelValues(reason).Inc()
	e.logger.Debug("event dropped", "type", ev.Type, "service_id", ev.ServiceID, "reason", reason)
}

func (e *Emitter) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", "type", ev.Type, "service_id", ev.ServiceID, "error", err)
		observability.EventPublishFailures.WithLabelValues(string(ev.Type), "emitter").Inc()
	}
}
