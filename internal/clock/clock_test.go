package clock_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/clocksync/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testResolution   = time.Second
	testToleranceMax = 100 * time.Millisecond
	testWindowMin    = 3 * time.Second
	testWindowMax    = 20 * time.Second
	testEpochMax     = 60 * time.Second
)

func newTestClock(t *testing.T, replicaCount, replica uint8) (*clock.Clock, *clock.DeterministicTime) {
	t.Helper()

	source := clock.NewDeterministic(testResolution, 0)
	c, err := clock.New(log, clock.Config{
		ReplicaCount:       replicaCount,
		Replica:            replica,
		Time:               source,
		OffsetToleranceMax: testToleranceMax,
		EpochMax:           testEpochMax,
		WindowMin:          testWindowMin,
		WindowMax:          testWindowMax,
	})
	require.NoError(t, err)
	return c, source
}

func tick(c *clock.Clock, n int) {
	for range n {
		c.Tick()
	}
}

func TestClock_ConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run("replica count must be greater than zero", func(t *testing.T) {
		t.Parallel()
		_, err := clock.New(log, clock.Config{ReplicaCount: 0, Replica: 0, Time: clock.NewDeterministic(time.Second, 0)})
		require.Error(t, err)
	})

	t.Run("replica must be less than replica count", func(t *testing.T) {
		t.Parallel()
		_, err := clock.New(log, clock.Config{ReplicaCount: 3, Replica: 3, Time: clock.NewDeterministic(time.Second, 0)})
		require.Error(t, err)
	})

	t.Run("time source is required", func(t *testing.T) {
		t.Parallel()
		_, err := clock.New(log, clock.Config{ReplicaCount: 3, Replica: 0})
		require.Error(t, err)
	})

	t.Run("window min must be less than window max", func(t *testing.T) {
		t.Parallel()
		_, err := clock.New(log, clock.Config{
			ReplicaCount: 3,
			Replica:      0,
			Time:         clock.NewDeterministic(time.Second, 0),
			WindowMin:    20 * time.Second,
			WindowMax:    20 * time.Second,
		})
		require.Error(t, err)
	})
}

func TestClock_HappyPath(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	_, ok := c.RealtimeSynchronized()
	require.False(t, ok, "no synchronized time before any samples")

	// Both peers reply 550ms ahead of us with a 100ms round trip:
	// one-way delay 50ms, estimated offset +500ms.
	c.Learn(1, 0, 550_000_000, 100_000_000)
	c.Learn(2, 0, 550_000_000, 100_000_000)

	// The window needs at least windowMin of observation time.
	tick(c, 2)
	_, ok = c.RealtimeSynchronized()
	require.False(t, ok, "no synchronized time before the window matures")

	tick(c, 1)
	got, ok := c.RealtimeSynchronized()
	require.True(t, ok, "expected synchronization at windowMin")

	// The tolerance search tightens to the peers' raw uncertainty: the
	// interval is [450ms, 550ms] around the epoch anchor, advanced by the
	// 3s of elapsed monotonic time. Our realtime (3s) is behind the lower
	// bound and is clamped up to it.
	assert.Equal(t, int64(3_450_000_000), got)

	// Realtime prefers the synchronized reading.
	assert.Equal(t, got, c.Realtime())

	// One more tick advances the synchronized reading by exactly one
	// resolution, still clamped to the lower bound.
	tick(c, 1)
	got, ok = c.RealtimeSynchronized()
	require.True(t, ok)
	assert.Equal(t, int64(4_450_000_000), got)
}

func TestClock_ClampWithinBounds(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	// Peers agree that our clock is already correct: offset 0, delay 50ms.
	c.Learn(1, 0, 50_000_000, 100_000_000)
	c.Learn(2, 0, 50_000_000, 100_000_000)

	tick(c, 3)
	got, ok := c.RealtimeSynchronized()
	require.True(t, ok)

	// All three sources agree down to zero tolerance, where the interval is
	// our own zero-width sample: [3s, 3s]. The OS clock (3s) lies inside it
	// and is returned untouched.
	assert.Equal(t, int64(3_000_000_000), got)
}

func TestClock_SelfLoopbackRejected(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	// A routing fault delivers our own pong back to us; with no real peer
	// samples the window never reaches a majority.
	c.Learn(0, 0, 550_000_000, 100_000_000)

	tick(c, 5)
	_, ok := c.RealtimeSynchronized()
	assert.False(t, ok, "self samples must not drive synchronization")
}

func TestClock_PreWindowStragglerRejected(t *testing.T) {
	t.Parallel()

	// Start the clock with 10s already on the monotonic clock, so the
	// window anchor is 10s.
	source := clock.NewDeterministic(testResolution, 0)
	for range 10 {
		source.Tick()
	}
	c, err := clock.New(log, clock.Config{
		ReplicaCount:       3,
		Replica:            0,
		Time:               source,
		OffsetToleranceMax: testToleranceMax,
		EpochMax:           testEpochMax,
		WindowMin:          testWindowMin,
		WindowMax:          testWindowMax,
	})
	require.NoError(t, err)

	// A straggler from before the window (e.g. queued across a reboot):
	// both m0 and m2 predate the anchor and the sample is dropped.
	c.Learn(1, 5_000_000_000, 5_500_000_000, 6_000_000_000)
	c.Learn(2, 5_000_000_000, 5_500_000_000, 6_000_000_000)

	tick(c, 5)
	_, ok := c.RealtimeSynchronized()
	assert.False(t, ok, "stragglers must not drive synchronization")
}

func TestClock_CausalityViolationRejected(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	// m0 >= m2 violates send-before-receive on our own monotonic clock.
	c.Learn(1, 100_000_000, 550_000_000, 100_000_000)
	c.Learn(2, 200_000_000, 550_000_000, 100_000_000)

	tick(c, 5)
	_, ok := c.RealtimeSynchronized()
	assert.False(t, ok)
}

func TestClock_WindowTimeout(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	// A single peer sample is not a majority in a cluster of three.
	c.Learn(1, 0, 550_000_000, 100_000_000)

	tick(c, 21)
	_, ok := c.RealtimeSynchronized()
	require.False(t, ok, "one peer of three must not synchronize")

	// The window was discarded at windowMax and re-anchored; fresh samples
	// from both peers synchronize as usual.
	m0 := c.Monotonic()
	c.Learn(1, m0, int64(m0)+550_000_000, m0+100_000_000)
	c.Learn(2, m0, int64(m0)+550_000_000, m0+100_000_000)

	tick(c, 3)
	_, ok = c.RealtimeSynchronized()
	assert.True(t, ok, "expected synchronization after the window recovered")
}

func TestClock_EpochExpiry(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	c.Learn(1, 0, 550_000_000, 100_000_000)
	c.Learn(2, 0, 550_000_000, 100_000_000)

	tick(c, 3)
	_, ok := c.RealtimeSynchronized()
	require.True(t, ok)

	// Starve the clock of samples: the synchronized epoch survives until
	// epochMax, then is discarded.
	tick(c, 56)
	_, ok = c.RealtimeSynchronized()
	require.True(t, ok, "epoch should survive until epochMax")

	tick(c, 1)
	_, ok = c.RealtimeSynchronized()
	assert.False(t, ok, "epoch should expire at epochMax")
}

func TestClock_SingleReplicaCluster(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 1, 0)

	// A cluster of one is always its own majority: synchronization succeeds
	// once the window matures, with a zero-width interval around its own
	// clock.
	tick(c, 3)
	got, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	assert.Equal(t, int64(3_000_000_000), got)
}

func TestClock_MajorityExcludesLiar(t *testing.T) {
	t.Parallel()

	// Five replicas: three peers agree that we are 500ms behind, a fourth
	// insists on 5s. The majority interval settles near [450ms, 550ms] and
	// the liar is no truechimer.
	c, _ := newTestClock(t, 5, 0)

	c.Learn(1, 0, 550_000_000, 100_000_000)
	c.Learn(2, 0, 550_000_000, 100_000_000)
	c.Learn(3, 0, 550_000_000, 100_000_000)
	c.Learn(4, 0, 5_050_000_000, 100_000_000)

	tick(c, 3)
	got, ok := c.RealtimeSynchronized()
	require.True(t, ok)

	// OS realtime (3s) is clamped up to the interval's lower bound.
	assert.Equal(t, int64(3_450_000_000), got)
}

func TestClock_LiarBreaksSmallCluster(t *testing.T) {
	t.Parallel()

	// In a cluster of three, one honest peer and one liar cannot form a
	// majority with us: every source claims a different time.
	c, _ := newTestClock(t, 3, 0)

	c.Learn(1, 0, 550_000_000, 100_000_000)
	c.Learn(2, 0, 5_050_000_000, 100_000_000)

	tick(c, 5)
	_, ok := c.RealtimeSynchronized()
	assert.False(t, ok)
}

func TestClock_ResynchronizationTightensOrShifts(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 3, 0)

	c.Learn(1, 0, 550_000_000, 100_000_000)
	c.Learn(2, 0, 550_000_000, 100_000_000)
	tick(c, 3)
	first, ok := c.RealtimeSynchronized()
	require.True(t, ok)

	// A second round of samples lands in the new window and replaces the
	// current epoch once that window matures.
	m0 := c.Monotonic()
	c.Learn(1, m0, int64(m0)+540_000_000, m0+60_000_000)
	c.Learn(2, m0, int64(m0)+540_000_000, m0+60_000_000)
	tick(c, 3)

	second, ok := c.RealtimeSynchronized()
	require.True(t, ok)
	assert.Greater(t, second, first, "cluster time must keep moving forward")
}

func TestClock_RealtimeFallsBackWhenUnsynchronized(t *testing.T) {
	t.Parallel()

	source := clock.NewDeterministic(testResolution, 42_000_000_000)
	c, err := clock.New(log, clock.Config{
		ReplicaCount: 3,
		Replica:      0,
		Time:         source,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42_000_000_000), c.Realtime())
}

func TestClock_MonotonicPassthrough(t *testing.T) {
	t.Parallel()

	c, source := newTestClock(t, 3, 0)
	assert.Equal(t, uint64(0), c.Monotonic())
	source.Tick()
	assert.Equal(t, uint64(testResolution), c.Monotonic())
}
