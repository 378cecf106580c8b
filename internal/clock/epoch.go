package clock

import "github.com/malbeclabs/clocksync/internal/marzullo"

// Sample is one fused round-trip measurement against a peer.
type Sample struct {
	// ClockOffset is the estimated difference between the peer's realtime
	// clock and ours at the sample midpoint, in nanoseconds.
	ClockOffset int64

	// OneWayDelay is half the observed round-trip time, in nanoseconds. It
	// doubles as the sample's symmetric uncertainty radius: a sample with a
	// smaller one-way delay is a better sample.
	OneWayDelay uint64
}

type sourceSample struct {
	sample Sample
	ok     bool
}

// epoch is a snapshot of one synchronization attempt: the best sample per
// source plus the wall/monotonic anchor captured when the epoch started. The
// realtime anchor is captured once so later wall-clock jumps cannot corrupt
// offset arithmetic.
type epoch struct {
	// sources holds the best sample per replica, indexed by replica. The
	// entry at our own index is always Sample{0, 0}.
	sources []sourceSample

	// monotonic and realtime are set together at reset and never mutated
	// independently.
	monotonic uint64
	realtime  int64

	// synchronized is the agreed cluster time interval relative to realtime,
	// valid only when synced is true.
	synchronized marzullo.Interval
	synced       bool

	// learned is true iff at least one new sample arrived since the last
	// synchronization attempt.
	learned bool
}

// reset clears all samples except our own zero self-sample and re-anchors the
// epoch on the time source's current monotonic and realtime readings.
func (e *epoch) reset(c *Clock) {
	clear(e.sources)
	e.sources[c.replica] = sourceSample{ok: true}
	e.monotonic = c.time.Monotonic()
	e.realtime = c.time.Realtime()
	e.synchronized = marzullo.Interval{}
	e.synced = false
	e.learned = false
}

// elapsed returns the time since the epoch started. The monotonic clock never
// rewinds, so the subtraction cannot underflow.
func (e *epoch) elapsed(c *Clock) uint64 {
	return c.time.Monotonic() - e.monotonic
}
