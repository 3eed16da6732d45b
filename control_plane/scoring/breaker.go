package scoring

import (
	"sync"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting calls
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling the analyzer after consecutive failures and
// lets a single trial call through once the cooldown has elapsed.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex

	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time

	failures    int
	openedAt    time.Time
	trialActive bool
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive failures.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: threshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a call may be made now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Open -> HalfOpen after cooldown
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldownPeriod {
		cb.setState(CircuitHalfOpen)
		cb.trialActive = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialActive = false
	cb.setState(CircuitClosed)
}

// RecordFailure counts a failure; a failed trial re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.trialActive = false
		cb.setState(CircuitOpen)
	}
}

// State returns the current circuit state (thread-safe).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.AnalyzerCircuitState.Set(float64(s))
}
