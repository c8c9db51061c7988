package poller

import "sync"

// BreakerState is the state of a CircuitBreaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota // polling active
	BreakerOpen                       // polling disabled until an explicit reset
)

// String returns a human-readable state name
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive failures and opens once a threshold is
// reached. A threshold of 0 never opens. An open breaker stays open until
// Reset; it never retries on its own.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	state     BreakerState
}

// NewCircuitBreaker returns a closed breaker
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold < 0 {
		threshold = 0
	}
	return &CircuitBreaker{threshold: threshold}
}

// RecordSuccess clears the failure count
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure counts one failure. It returns true only on the call that
// moves the breaker from closed to open.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		return false
	}
	b.failures++
	if b.threshold > 0 && b.failures >= b.threshold {
		b.state = BreakerOpen
		return true
	}
	return false
}

// Trip opens the breaker regardless of the threshold. Returns true if it
// was closed.
func (b *CircuitBreaker) Trip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		return false
	}
	b.failures++
	b.state = BreakerOpen
	return true
}

// Reset closes the breaker with a new threshold and a zero count
func (b *CircuitBreaker) Reset(threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threshold < 0 {
		threshold = 0
	}
	b.threshold = threshold
	b.failures = 0
	b.state = BreakerClosed
}

// State returns the current state
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Threshold returns the configured threshold; 0 means unlimited
func (b *CircuitBreaker) Threshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}
