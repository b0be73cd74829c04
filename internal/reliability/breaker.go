package reliability

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Enabled            bool
	FailureThreshold   int
	CooldownMs         int64
	HalfOpenProbeCount int
	SuccessToClose     int
}

// DefaultBreakerConfig matches the spec's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:            true,
		FailureThreshold:   5,
		CooldownMs:         30000,
		HalfOpenProbeCount: 1,
		SuccessToClose:     2,
	}
}

type breakerEntry struct {
	state             BreakerState
	consecutiveFailures int
	openedAt          time.Time
	halfOpenSuccesses int
}

// CircuitBreaker tracks per-endpoint-hash breaker state.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	entries map[string]*breakerEntry
}

// NewCircuitBreaker returns a CircuitBreaker using cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, entries: make(map[string]*breakerEntry)}
}

// CheckResult reports whether delivery to an endpoint is currently allowed.
type CheckResult struct {
	Allowed bool
	State   BreakerState
}

// Check reports whether a delivery may proceed, transitioning OPEN to
// HALF_OPEN once the cooldown has elapsed.
func (cb *CircuitBreaker) Check(endpointHash string, now time.Time) CheckResult {
	if !cb.cfg.Enabled {
		return CheckResult{Allowed: true, State: Closed}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	entry := cb.entries[endpointHash]
	if entry == nil {
		return CheckResult{Allowed: true, State: Closed}
	}

	switch entry.state {
	case Closed:
		return CheckResult{Allowed: true, State: Closed}
	case Open:
		if now.Sub(entry.openedAt).Milliseconds() >= cb.cfg.CooldownMs {
			entry.state = HalfOpen
			entry.halfOpenSuccesses = 0
			return CheckResult{Allowed: true, State: HalfOpen}
		}
		return CheckResult{Allowed: false, State: Open}
	case HalfOpen:
		return CheckResult{Allowed: true, State: HalfOpen}
	}
	return CheckResult{Allowed: true, State: Closed}
}

// RecordSuccess records a successful delivery to endpointHash.
func (cb *CircuitBreaker) RecordSuccess(endpointHash string) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	entry := cb.entryFor(endpointHash)
	switch entry.state {
	case Closed:
		entry.consecutiveFailures = 0
	case HalfOpen:
		entry.halfOpenSuccesses++
		if entry.halfOpenSuccesses >= cb.cfg.SuccessToClose {
			entry.state = Closed
			entry.consecutiveFailures = 0
			entry.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure records a failed delivery to endpointHash.
func (cb *CircuitBreaker) RecordFailure(endpointHash string, now time.Time) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	entry := cb.entryFor(endpointHash)
	switch entry.state {
	case Closed:
		entry.consecutiveFailures++
		if entry.consecutiveFailures >= cb.cfg.FailureThreshold {
			entry.state = Open
			entry.openedAt = now
		}
	case HalfOpen:
		entry.state = Open
		entry.openedAt = now
		entry.halfOpenSuccesses = 0
	}
}

// Reset removes all breaker state for endpointHash, returning it to CLOSED
// lazily (the entry is simply dropped).
func (cb *CircuitBreaker) Reset(endpointHash string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.entries, endpointHash)
}

func (cb *CircuitBreaker) entryFor(endpointHash string) *breakerEntry {
	entry, ok := cb.entries[endpointHash]
	if !ok {
		entry = &breakerEntry{state: Closed}
		cb.entries[endpointHash] = entry
	}
	return entry
}
