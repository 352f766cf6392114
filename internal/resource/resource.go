// Package resource tracks file descriptor and memory usage against
// configured limits and applies graceful degradation (warn, disable
// metrics, reject new requests) as usage climbs.
package resource

import (
	"sync/atomic"
)

// Level is the resource monitor's externally visible degradation level.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
	Exhausted
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Monitor tracks fd/memory usage and derives a Level from the worse of
// the two percentages.
type Monitor struct {
	fdCount      atomic.Uint64
	fdLimit      atomic.Uint64
	memoryUsage  atomic.Uint64
	memoryLimit  atomic.Uint64
	metricsOn    atomic.Bool

	onTransition func(level Level, fdPct, memPct float64)
}

// New creates a Monitor with the given fd and memory limits. Metrics
// collection starts enabled.
func New(fdLimit, memoryLimit uint64) *Monitor {
	m := &Monitor{}
	m.fdLimit.Store(fdLimit)
	m.memoryLimit.Store(memoryLimit)
	m.metricsOn.Store(true)
	return m
}

// OnTransition registers a callback invoked whenever UpdateFDCount or
// UpdateMemoryUsage re-evaluates the computed Level. It is called on
// every update, not only on a level change.
func (m *Monitor) OnTransition(cb func(level Level, fdPct, memPct float64)) {
	m.onTransition = cb
}

// UpdateFDCount records the current fd count and re-evaluates the
// degradation level.
func (m *Monitor) UpdateFDCount(count uint64) {
	m.fdCount.Store(count)
	m.applyDegradation()
}

// UpdateMemoryUsage records current memory usage in bytes and
// re-evaluates the degradation level.
func (m *Monitor) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Store(bytes)
	m.applyDegradation()
}

// FDUsagePercent returns current fd usage as a 0-100 percentage.
func (m *Monitor) FDUsagePercent() float64 {
	limit := m.fdLimit.Load()
	if limit == 0 {
		return 0
	}
	return float64(m.fdCount.Load()) / float64(limit) * 100
}

// MemoryUsagePercent returns current memory usage as a 0-100 percentage.
func (m *Monitor) MemoryUsagePercent() float64 {
	limit := m.memoryLimit.Load()
	if limit == 0 {
		return 0
	}
	return float64(m.memoryUsage.Load()) / float64(limit) * 100
}

// Level returns the current degradation level: the worse of fd and
// memory usage against the thresholds 80/90/95.
func (m *Monitor) Level() Level {
	fdPct := m.FDUsagePercent()
	memPct := m.MemoryUsagePercent()
	maxPct := fdPct
	if memPct > maxPct {
		maxPct = memPct
	}
	switch {
	case maxPct >= 95:
		return Exhausted
	case maxPct >= 90:
		return Critical
	case maxPct >= 80:
		return Warning
	default:
		return Normal
	}
}

// ShouldAcceptRequest reports whether new requests should be admitted;
// false only at Exhausted.
func (m *Monitor) ShouldAcceptRequest() bool {
	return m.Level() != Exhausted
}

// MetricsEnabled reports whether expensive metrics collection is
// currently enabled.
func (m *Monitor) MetricsEnabled() bool {
	return m.metricsOn.Load()
}

// applyDegradation re-derives the level and flips metricsOn
// idempotently: Normal re-enables metrics, Critical/Exhausted disable
// them, Warning only logs via the registered callback.
func (m *Monitor) applyDegradation() {
	level := m.Level()
	switch level {
	case Normal:
		m.metricsOn.Store(true)
	case Critical, Exhausted:
		m.metricsOn.Store(false)
	}
	if m.onTransition != nil {
		m.onTransition(level, m.FDUsagePercent(), m.MemoryUsagePercent())
	}
}
