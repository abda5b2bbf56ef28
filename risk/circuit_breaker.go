package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Venue submission health
// ═══════════════════════════════════════════════════════════════════════════════
//
// Opens after N consecutive submission failures and stays latched until an
// operator resets it through the admin channel. While open, the governor
// denies every Place with reason venue_unhealthy.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	threshold int

	consecutiveFailures int
	open                bool
	openedAt            time.Time
	reason              string

	onTrip func(reason string)
}

// NewCircuitBreaker creates a breaker that opens at threshold consecutive
// submission failures.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold}
}

// RecordFailure counts one failed submission attempt chain.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if !cb.open && cb.consecutiveFailures >= cb.threshold {
		cb.open = true
		cb.openedAt = time.Now()
		cb.reason = "consecutive submission failures"
		log.Error().
			Int("consecutive_failures", cb.consecutiveFailures).
			Msg("CIRCUIT BREAKER OPEN")

		if cb.onTrip != nil {
			cb.onTrip(cb.reason)
		}
	}
}

// RecordSuccess resets the failure streak. An open breaker stays open:
// reinstatement is operator-only.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
}

// IsOpen reports the breaker state.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.open
}

// Reset clears the breaker. Only the admin channel calls this.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.consecutiveFailures = 0
	cb.reason = ""
	log.Info().Msg("circuit breaker reset by operator")
}

// OnTrip sets the callback invoked when the breaker opens.
func (cb *CircuitBreaker) OnTrip(fn func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

// Stats returns the breaker state for status reporting.
func (cb *CircuitBreaker) Stats() (failures int, open bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures, cb.open, cb.reason
}
