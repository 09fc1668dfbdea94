package risk

import "sync/atomic"

// CircuitBreaker is a process-wide kill switch for intent acceptance.
// Tripping it rejects every new intent until reset.
type CircuitBreaker struct {
	tripped uint32
}

// NewCircuitBreaker creates an untripped breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

// Trip opens the breaker.
func (b *CircuitBreaker) Trip() {
	atomic.StoreUint32(&b.tripped, 1)
}

// Reset closes the breaker.
func (b *CircuitBreaker) Reset() {
	atomic.StoreUint32(&b.tripped, 0)
}

// IsTripped reports the breaker state. A nil breaker is never tripped.
func (b *CircuitBreaker) IsTripped() bool {
	if b == nil {
		return false
	}
	return atomic.LoadUint32(&b.tripped) != 0
}
