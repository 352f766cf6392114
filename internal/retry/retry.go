// Package retry implements the exponential-backoff retry policy used by
// the replica set when a backend attempt fails with a transient error.
package retry

import "time"

// Policy configures retry behavior for a single replica attempt.
type Policy struct {
	MaxAttempts       uint32
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultPolicy is 3 attempts with a 100ms initial and 1s max backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1000 * time.Millisecond,
	}
}

var retriableStatus = map[int]bool{
	500: true, 502: true, 503: true, 504: true,
}

// IsRetriableStatus reports whether status is one of the retriable HTTP
// statuses: 500, 502, 503, 504.
func IsRetriableStatus(status int) bool {
	return retriableStatus[status]
}

// BackoffDuration returns the delay to wait before attempt (0-indexed;
// attempt 0 is the first try and always waits 0). The sequence doubles
// each retry and saturates at MaxBackoff rather than overflowing.
func (p Policy) BackoffDuration(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}
	maxMs := uint64(p.MaxBackoff / time.Millisecond)
	ms := uint64(p.InitialBackoff / time.Millisecond)
	for i := uint32(0); i < attempt-1; i++ {
		if ms >= maxMs {
			ms = maxMs
			break
		}
		ms *= 2
	}
	if ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ShouldRetry reports whether, given the current (0-indexed) attempt
// number and the status code just observed, another attempt should be
// made.
func (p Policy) ShouldRetry(attempt uint32, status int) bool {
	if p.MaxAttempts == 0 || attempt >= p.MaxAttempts-1 {
		return false
	}
	return IsRetriableStatus(status)
}
