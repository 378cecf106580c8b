package clock_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/clocksync/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicTime(t *testing.T) {
	t.Parallel()

	source := clock.NewDeterministic(10*time.Millisecond, 5*time.Second)

	assert.Equal(t, uint64(0), source.Monotonic())
	assert.Equal(t, int64(5_000_000_000), source.Realtime())

	for range 3 {
		source.Tick()
	}
	assert.Equal(t, uint64(30_000_000), source.Monotonic())
	assert.Equal(t, int64(5_030_000_000), source.Realtime())
}

func TestDeterministicTime_NegativeOffset(t *testing.T) {
	t.Parallel()

	source := clock.NewDeterministic(time.Second, -2*time.Second)
	assert.Equal(t, int64(-2_000_000_000), source.Realtime())
	source.Tick()
	assert.Equal(t, int64(-1_000_000_000), source.Realtime())
}

func TestDeterministicTime_ZeroResolutionPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { clock.NewDeterministic(0, 0) })
}

func TestSystemTime(t *testing.T) {
	t.Parallel()

	source := clock.NewSystemTime()

	// Tick is a no-op and monotonic readings never decrease.
	m0 := source.Monotonic()
	source.Tick()
	m1 := source.Monotonic()
	assert.GreaterOrEqual(t, m1, m0)

	// Realtime tracks the wall clock.
	now := time.Now().UnixNano()
	rt := source.Realtime()
	assert.InDelta(t, float64(now), float64(rt), float64(5*time.Second))
}
