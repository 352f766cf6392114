package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelThresholds(t *testing.T) {
	m := New(100, 100)

	cases := []struct {
		fd   uint64
		want Level
	}{
		{0, Normal},
		{79, Normal},
		{80, Warning},
		{89, Warning},
		{90, Critical},
		{94, Critical},
		{95, Exhausted},
		{100, Exhausted},
	}
	for _, tc := range cases {
		m.UpdateFDCount(tc.fd)
		assert.Equal(t, tc.want, m.Level(), "fd=%d", tc.fd)
	}
}

func TestWorseOfFDAndMemoryDrivesLevel(t *testing.T) {
	m := New(100, 1000)
	m.UpdateFDCount(10)     // 10%
	m.UpdateMemoryUsage(920) // 92%

	assert.Equal(t, Critical, m.Level())
}

func TestExactly95PercentRejectsNewRequests(t *testing.T) {
	m := New(100, 100)
	m.UpdateFDCount(95)

	assert.Equal(t, Exhausted, m.Level())
	assert.False(t, m.ShouldAcceptRequest())
}

func TestMetricsDisabledAtCriticalReEnabledOnRecovery(t *testing.T) {
	m := New(100, 100)
	assert.True(t, m.MetricsEnabled())

	m.UpdateFDCount(92)
	assert.False(t, m.MetricsEnabled(), "Critical disables expensive metrics")

	m.UpdateFDCount(96)
	assert.False(t, m.MetricsEnabled(), "Exhausted keeps metrics disabled")

	m.UpdateFDCount(85)
	assert.False(t, m.MetricsEnabled(), "Warning does not re-enable metrics")

	m.UpdateFDCount(50)
	assert.True(t, m.MetricsEnabled(), "recovery below 80%% re-enables metrics")
}

func TestZeroLimitsReportZeroUsage(t *testing.T) {
	m := New(0, 0)
	m.UpdateFDCount(1_000_000)
	m.UpdateMemoryUsage(1 << 40)

	assert.Equal(t, Normal, m.Level())
	assert.True(t, m.ShouldAcceptRequest())
}

func TestOnTransitionObservesEveryUpdate(t *testing.T) {
	m := New(100, 100)
	var levels []Level
	m.OnTransition(func(level Level, fdPct, memPct float64) {
		levels = append(levels, level)
	})

	m.UpdateFDCount(85)
	m.UpdateFDCount(96)
	m.UpdateFDCount(10)

	assert.Equal(t, []Level{Warning, Exhausted, Normal}, levels)
}
