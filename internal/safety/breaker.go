// Package safety implements the pre-execution gates consulted before any
// liquidity-moving operation: the circuit breaker, the hourly rate window,
// single-transaction caps, and emergency mode.
//
// All checks return sentinel errors so callers can map them onto the engine
// error taxonomy with errors.Is.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/curvelaunch/graduation-engine/internal/metrics"
)

var (
	// ErrCircuitBreakerActive is returned while the breaker is tripped.
	ErrCircuitBreakerActive = errors.New("safety: circuit breaker active")

	// ErrInvalidResetTime is returned when a trip request's reset time is
	// not in the future.
	ErrInvalidResetTime = errors.New("safety: breaker reset time must be after trip time")

	// ErrNotTripped is returned by a manual reset when the breaker is armed.
	ErrNotTripped = errors.New("safety: circuit breaker is not tripped")

	// ErrEmergencyActive is returned while emergency mode is active.
	ErrEmergencyActive = errors.New("safety: emergency mode active")
)

// BreakerState is a read snapshot of the circuit breaker.
type BreakerState struct {
	Tripped    bool      `json:"tripped"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
	ResetAfter time.Time `json:"reset_after,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// CircuitBreaker is a manual-trip, auto-expiring halt switch. The Allow
// check doubles as the self-healing path: when the clock has passed
// ResetAfter the same call clears the breaker and admits the operation.
type CircuitBreaker struct {
	mu         sync.Mutex
	tripped    bool
	trippedAt  time.Time
	resetAfter time.Time
	reason     string
}

// NewCircuitBreaker creates an armed breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

// Trip halts mutating operations until resetAfter. resetAfter must be
// strictly after now.
func (b *CircuitBreaker) Trip(now time.Time, reason string, resetAfter time.Time) error {
	if !resetAfter.After(now) {
		return ErrInvalidResetTime
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tripped = true
	b.trippedAt = now
	b.resetAfter = resetAfter
	b.reason = reason
	metrics.CircuitBreakerState.Set(1)
	return nil
}

// Reset manually re-arms the breaker.
func (b *CircuitBreaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return ErrNotTripped
	}
	b.tripped = false
	b.reason = ""
	metrics.CircuitBreakerState.Set(0)
	return nil
}

// Allow admits an operation, auto-resetting first when the reset window has
// lapsed. Returns ErrCircuitBreakerActive while tripped.
func (b *CircuitBreaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return nil
	}
	if !now.Before(b.resetAfter) {
		b.tripped = false
		b.reason = ""
		metrics.CircuitBreakerState.Set(0)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCircuitBreakerActive, b.reason)
}

// State returns a snapshot, applying the same auto-reset as Allow.
func (b *CircuitBreaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped && !now.Before(b.resetAfter) {
		b.tripped = false
		b.reason = ""
		metrics.CircuitBreakerState.Set(0)
	}
	if !b.tripped {
		return BreakerState{}
	}
	return BreakerState{
		Tripped:    true,
		TrippedAt:  b.trippedAt,
		ResetAfter: b.resetAfter,
		Reason:     b.reason,
	}
}

// Emergency is the role-gated global pause. Unlike the breaker it has no
// expiry; only an explicit deactivation clears it.
type Emergency struct {
	mu          sync.Mutex
	active      bool
	activatedBy string
	reason      string
}

// NewEmergency creates an inactive emergency switch.
func NewEmergency() *Emergency {
	return &Emergency{}
}

// Activate turns emergency mode on.
func (e *Emergency) Activate(by, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = true
	e.activatedBy = by
	e.reason = reason
}

// Deactivate turns emergency mode off.
func (e *Emergency) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
	e.activatedBy = ""
	e.reason = ""
}

// Allow returns ErrEmergencyActive while the switch is on.
func (e *Emergency) Allow() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return fmt.Errorf("%w: %s", ErrEmergencyActive, e.reason)
	}
	return nil
}

// Active reports whether emergency mode is on.
func (e *Emergency) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}
