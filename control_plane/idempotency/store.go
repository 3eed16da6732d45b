// Package idempotency replays the response of a mutating request retried with the
// same idempotency key, so a client retry never restarts a service twice.
package idempotency

import (
	"sync"
	"time"
)

// DefaultTTL is how long a completed response is replayed.
const DefaultTTL = time.Hour

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// State of a key.
type State int

const (
	Missing State = iota
	InFlight
	Done
)

type entry struct {
	state   State
	resp    Response
	expires time.Time
}

type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: make(map[string]*entry), ttl: ttl, now: time.Now}
}

// Begin claims key for a new request. When the key is already in flight or done it
// returns false with the current state and, for Done, the stored response.
func (s *Store) Begin(key string) (bool, State, Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok {
		if e.state == InFlight || now.Before(e.expires) {
			return false, e.state, e.resp
		}
	}
	s.sweep(now)
	s.entries[key] = &entry{state: InFlight}
	return true, InFlight, Response{}
}

// Complete stores resp for replay.
func (s *Store) Complete(key string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{state: Done, resp: resp, expires: s.now().Add(s.ttl)}
}

// Abandon releases an in-flight key so the request can be retried.
func (s *Store) Abandon(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.state == InFlight {
		delete(s.entries, key)
	}
}

func (s *Store) sweep(now time.Time) {
	for k, e := range s.entries {
		if e.state == Done && !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}
