package streaming

import (
	"context"
	"sync"
)

// MemoryPublisher keeps every published event. Used in tests and by the
// dashboard to replay recent activity.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryPublisher keeps at most limit events; limit <= 0 keeps all.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append([]Event(nil), p.events[len(p.events)-p.limit:]...)
	}
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the retained events, oldest first.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// OfType filters the retained events.
func (p *MemoryPublisher) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range p.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
