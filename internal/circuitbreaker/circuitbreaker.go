// Package circuitbreaker implements the per-replica Closed/Open/HalfOpen
// state machine that isolates sick backends from the replica set.
//
// State transitions and the half-open in-flight probe count are each
// guarded by their own compare-and-swap. They are separate atomics:
// TryAcquire reads the state first and then reserves a probe slot. The
// in-flight count only rises through a compare-and-swap against
// HalfOpenMaxInFlight and only falls through Release, so the number of
// concurrent half-open probes never exceeds the cap.
package circuitbreaker

import (
	"sync/atomic"
	"time"
)

// State is the circuit breaker's externally visible state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds governing state transitions.
type Config struct {
	FailureThreshold   uint32
	SuccessThreshold   uint32
	ResetTimeout       time.Duration
	HalfOpenMaxInFlight uint32
}

// DefaultConfig is a reasonable default for a backend replica.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxInFlight: 1,
	}
}

// CircuitBreaker tracks one replica's health.
type CircuitBreaker struct {
	cfg Config

	state              atomic.Int32 // State
	halfOpenInFlight   atomic.Int32
	consecutiveFailures atomic.Int32
	halfOpenSuccesses  atomic.Int32
	openedAtUnixNano   atomic.Int64
}

// New creates a circuit breaker in the Closed state.
func New(cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: cfg}
	cb.state.Store(int32(Closed))
	return cb
}

// State returns the current externally visible state, resolving
// Open→HalfOpen lazily if the reset timeout has elapsed. This mirrors
// the try-request algorithm's "if breaker.state == Open and elapsed ≥
// reset_timeout: transition → HalfOpen" step.
func (cb *CircuitBreaker) State(now time.Time) State {
	s := State(cb.state.Load())
	if s != Open {
		return s
	}
	openedAt := time.Unix(0, cb.openedAtUnixNano.Load())
	if now.Sub(openedAt) >= cb.cfg.ResetTimeout {
		// Attempt the Open -> HalfOpen CAS; if another goroutine already
		// did it, that's fine, we just re-read below.
		if cb.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			cb.halfOpenSuccesses.Store(0)
		}
		return State(cb.state.Load())
	}
	return Open
}

// TryAcquire attempts to reserve a slot to issue a request against this
// replica right now. It returns ok=false if the breaker is Open (still
// cooling down) or HalfOpen with no free probe slots. On ok=true for
// HalfOpen, the caller MUST call Release exactly once when the request
// completes.
func (cb *CircuitBreaker) TryAcquire(now time.Time) (ok bool, halfOpenProbe bool) {
	switch cb.State(now) {
	case Closed:
		return true, false
	case HalfOpen:
		for {
			cur := cb.halfOpenInFlight.Load()
			if uint32(cur) >= cb.cfg.HalfOpenMaxInFlight {
				return false, false
			}
			if cb.halfOpenInFlight.CompareAndSwap(cur, cur+1) {
				return true, true
			}
		}
	default: // Open
		return false, false
	}
}

// Release returns a half-open probe slot reserved by TryAcquire. It is a
// no-op for non-half-open acquisitions.
func (cb *CircuitBreaker) Release(halfOpenProbe bool) {
	if halfOpenProbe {
		cb.halfOpenInFlight.Add(-1)
	}
}

// RecordSuccess reports a successful attempt, per the transition table:
// Closed→Closed resets the failure counter; HalfOpen→Closed once
// success_threshold successes are observed.
func (cb *CircuitBreaker) RecordSuccess(now time.Time) {
	switch State(cb.state.Load()) {
	case Closed:
		cb.consecutiveFailures.Store(0)
	case HalfOpen:
		successes := cb.halfOpenSuccesses.Add(1)
		if uint32(successes) >= cb.cfg.SuccessThreshold {
			if cb.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
				cb.consecutiveFailures.Store(0)
				cb.halfOpenSuccesses.Store(0)
			}
		}
	}
}

// RecordFailure reports a failed attempt, per the transition table:
// Closed→Open once failure_threshold consecutive failures accrue;
// HalfOpen→Open immediately on any probe failure.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	switch State(cb.state.Load()) {
	case Closed:
		failures := cb.consecutiveFailures.Add(1)
		if uint32(failures) >= cb.cfg.FailureThreshold {
			if cb.state.CompareAndSwap(int32(Closed), int32(Open)) {
				cb.consecutiveFailures.Store(0)
				cb.openedAtUnixNano.Store(now.UnixNano())
			}
		}
	case HalfOpen:
		if cb.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			cb.openedAtUnixNano.Store(now.UnixNano())
			cb.consecutiveFailures.Store(0)
		}
	}
}
