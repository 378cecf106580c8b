// Package clock fuses round-trip time samples from peer replicas into a
// bounded interval of cluster time using Marzullo's intersection algorithm.
//
// A replica uses the Clock to timestamp state-machine operations with a
// wall-clock value that is provably within an interval agreed upon by a
// majority of cluster members, even when individual clocks drift, jump, or
// lie.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/clocksync/internal/marzullo"
	"github.com/malbeclabs/clocksync/internal/metrics"
)

const (
	// DefaultOffsetToleranceMax is the initial per-source slack added to both
	// sides of a sample's uncertainty interval. The tolerance search starts
	// permissive to guarantee a majority can be found, then halves.
	DefaultOffsetToleranceMax = 10 * time.Second

	// DefaultEpochMax is the maximum age of a synchronized epoch before its
	// interval can no longer be trusted to bound clock drift.
	DefaultEpochMax = 60 * time.Second

	// DefaultWindowMin is the minimum observation time before a window has
	// seen enough samples to attempt synchronization.
	DefaultWindowMin = 2 * time.Second

	// DefaultWindowMax is the maximum age of a window before its samples are
	// considered stale and discarded.
	DefaultWindowMax = 20 * time.Second
)

// toleranceRoundsMax bounds the halving search; 64 rounds takes any tolerance
// to zero.
const toleranceRoundsMax = 64

type Config struct {
	// ReplicaCount is the fixed cluster size, including ourselves.
	ReplicaCount uint8

	// Replica is our own index within the cluster.
	Replica uint8

	// Time is the monotonic/realtime source backing the clock.
	Time TimeSource

	// OffsetToleranceMax is the initial Marzullo slack per source.
	OffsetToleranceMax time.Duration

	// EpochMax is the maximum age of a synchronized epoch before discard.
	EpochMax time.Duration

	// WindowMin is the minimum window observation time before a
	// synchronization attempt.
	WindowMin time.Duration

	// WindowMax is the maximum window age before discard.
	WindowMax time.Duration
}

func (c *Config) Validate() error {
	if c.ReplicaCount == 0 {
		return errors.New("replica count must be greater than 0")
	}
	if c.Replica >= c.ReplicaCount {
		return errors.New("replica must be less than replica count")
	}
	if c.Time == nil {
		return errors.New("time source is required")
	}
	if c.OffsetToleranceMax == 0 {
		c.OffsetToleranceMax = DefaultOffsetToleranceMax
	}
	if c.EpochMax == 0 {
		c.EpochMax = DefaultEpochMax
	}
	if c.WindowMin == 0 {
		c.WindowMin = DefaultWindowMin
	}
	if c.WindowMax == 0 {
		c.WindowMax = DefaultWindowMax
	}
	if c.OffsetToleranceMax < 0 || c.EpochMax < 0 || c.WindowMin < 0 || c.WindowMax < 0 {
		return errors.New("durations must not be negative")
	}
	if c.WindowMin >= c.WindowMax {
		return errors.New("window min must be less than window max")
	}
	return nil
}

// Clock ingests round-trip samples from peers into a collecting window epoch
// and, once a majority of sources agree on an offset interval, promotes the
// window to the current epoch that answers synchronized-time queries.
//
// All methods must be called from a single goroutine, typically the replica's
// event loop. No method blocks. The per-source sample slices and the Marzullo
// scratch space are allocated once at construction; log output still
// allocates.
type Clock struct {
	log  *slog.Logger
	time TimeSource

	replica      uint8
	replicaCount uint8

	toleranceMax uint64
	epochMax     uint64
	windowMin    uint64
	windowMax    uint64

	// current answers queries; window collects samples. On successful
	// synchronization the two swap roles.
	current epoch
	window  epoch

	// tuples is scratch space for the Marzullo sweep, reused across ticks.
	tuples []marzullo.Tuple
}

func New(log *slog.Logger, cfg Config) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Clock{
		log:          log.With("replica", cfg.Replica),
		time:         cfg.Time,
		replica:      cfg.Replica,
		replicaCount: cfg.ReplicaCount,
		toleranceMax: uint64(cfg.OffsetToleranceMax),
		epochMax:     uint64(cfg.EpochMax),
		windowMin:    uint64(cfg.WindowMin),
		windowMax:    uint64(cfg.WindowMax),
		tuples:       make([]marzullo.Tuple, 0, 2*int(cfg.ReplicaCount)),
	}
	c.current.sources = make([]sourceSample, cfg.ReplicaCount)
	c.window.sources = make([]sourceSample, cfg.ReplicaCount)
	c.current.reset(c)
	c.window.reset(c)

	return c, nil
}

// Learn fuses a ping/pong exchange with a peer into the window epoch: m0 is
// our monotonic time when the ping was sent, t1 the peer's realtime when it
// replied, and m2 our monotonic time when the pong arrived. Invalid samples
// are dropped without surfacing an error to the caller.
func (c *Clock) Learn(peer uint8, m0 uint64, t1 int64, m2 uint64) {
	if peer == c.replica {
		// A routing fault looped our own message back to us.
		metrics.SamplesRejected.WithLabelValues(metrics.RejectReasonSelf).Inc()
		return
	}
	if peer >= c.replicaCount {
		metrics.SamplesRejected.WithLabelValues(metrics.RejectReasonUnknownPeer).Inc()
		return
	}
	if m0 >= m2 {
		// The pong cannot arrive before the ping was sent.
		metrics.SamplesRejected.WithLabelValues(metrics.RejectReasonCausality).Inc()
		c.log.Debug("Dropping sample that violates causality", "peer", peer, "m0", m0, "m2", m2)
		return
	}
	if m0 < c.window.monotonic || m2 < c.window.monotonic {
		// A straggler from before the current window, e.g. after a reset.
		metrics.SamplesRejected.WithLabelValues(metrics.RejectReasonBeforeWindow).Inc()
		c.log.Debug("Dropping sample that predates the window", "peer", peer, "m0", m0, "m2", m2, "window", c.window.monotonic)
		return
	}
	elapsed := m2 - c.window.monotonic
	if elapsed > c.windowMax {
		metrics.SamplesRejected.WithLabelValues(metrics.RejectReasonWindowExpired).Inc()
		c.log.Debug("Dropping sample that outlived the window", "peer", peer, "elapsed", time.Duration(elapsed))
		return
	}

	roundTripTime := m2 - m0
	oneWayDelay := roundTripTime / 2
	// Derive our realtime at the pong from the window anchor rather than the
	// OS clock, so wall-clock jumps cannot corrupt the offset.
	t2 := c.window.realtime + int64(elapsed)
	clockOffset := t1 + int64(oneWayDelay) - t2

	metrics.SamplesLearned.Inc()

	existing := c.window.sources[peer]
	if !existing.ok || oneWayDelay < existing.sample.OneWayDelay {
		c.window.sources[peer] = sourceSample{
			sample: Sample{ClockOffset: clockOffset, OneWayDelay: oneWayDelay},
			ok:     true,
		}
		c.log.Debug("Learned sample",
			"peer", peer,
			"clockOffset", SignedDuration(clockOffset),
			"oneWayDelay", time.Duration(oneWayDelay),
		)
	}
	c.window.learned = true
}

// Monotonic returns the time source's monotonic reading. The host uses it to
// stamp outgoing pings and incoming pongs.
func (c *Clock) Monotonic() uint64 {
	return c.time.Monotonic()
}

// Realtime returns the synchronized cluster time when available and the raw
// OS wall clock otherwise. It exists to stamp pong replies; state-machine
// timestamps must come from RealtimeSynchronized.
func (c *Clock) Realtime() int64 {
	if t, ok := c.RealtimeSynchronized(); ok {
		return t
	}
	return c.time.Realtime()
}

// RealtimeSynchronized returns the OS wall clock clamped into the cluster
// time interval agreed by a majority of replicas, or false when no
// synchronized epoch is current. The returned timestamp is never outside the
// agreed interval, and is exactly the OS wall clock whenever the OS clock is
// already within it.
func (c *Clock) RealtimeSynchronized() (int64, bool) {
	if !c.current.synced {
		return 0, false
	}

	elapsed := int64(c.current.elapsed(c))
	lowerBound := c.current.realtime + elapsed + c.current.synchronized.LowerBound
	upperBound := c.current.realtime + elapsed + c.current.synchronized.UpperBound
	if lowerBound > upperBound {
		panic("clock: synchronized interval bounds out of order")
	}

	realtime := c.time.Realtime()
	if realtime < lowerBound {
		realtime = lowerBound
	} else if realtime > upperBound {
		realtime = upperBound
	}
	return realtime, true
}

// Tick advances the time source, attempts synchronization, and expires the
// current epoch once it has outlived safe drift bounds without being
// replaced.
func (c *Clock) Tick() {
	c.time.Tick()
	c.synchronize()

	if c.current.synced && c.current.elapsed(c) >= c.epochMax {
		c.log.Error("No agreement on cluster time, discarding synchronized epoch",
			"age", time.Duration(c.current.elapsed(c)),
			"epochMax", time.Duration(c.epochMax),
		)
		metrics.EpochExpiries.Inc()
		metrics.Synchronized.Set(0)
		c.current.reset(c)
	}
}

// synchronize runs the adaptive-tolerance Marzullo search over the window's
// samples and promotes the window to current when a majority of sources agree
// on an offset interval.
func (c *Clock) synchronize() {
	if c.window.synced {
		panic("clock: window is already synchronized")
	}

	elapsed := c.window.elapsed(c)
	if elapsed < c.windowMin {
		return
	}
	if elapsed >= c.windowMax {
		c.log.Error("Synchronization window expired without majority agreement, discarding samples",
			"elapsed", time.Duration(elapsed),
			"windowMax", time.Duration(c.windowMax),
		)
		metrics.WindowResets.Inc()
		c.window.reset(c)
		return
	}
	// A cluster of one has nothing to learn and is always its own majority.
	if !c.window.learned && c.replicaCount > 1 {
		return
	}

	// Start permissive so that a majority can be found at all, then halve
	// the tolerance while a majority still agrees: the final stored interval
	// is the tightest one holding a majority.
	tolerance := c.toleranceMax
	terminate := false
	for round := 0; round < toleranceRoundsMax && !terminate; round++ {
		if tolerance == 0 {
			terminate = true
		}

		tuples := c.tuples[:0]
		for id, source := range c.window.sources {
			if !source.ok {
				continue
			}
			offset := source.sample.ClockOffset
			margin := int64(source.sample.OneWayDelay + tolerance)
			tuples = append(tuples,
				marzullo.Tuple{Source: uint8(id), Offset: offset - margin, Bound: marzullo.Lower},
				marzullo.Tuple{Source: uint8(id), Offset: offset + margin, Bound: marzullo.Upper},
			)
		}

		interval := marzullo.SmallestInterval(tuples)
		if int(interval.SourcesTrue) <= int(c.replicaCount)/2 {
			// No majority at this tolerance; keep whatever tighter interval
			// previous rounds stored.
			break
		}

		c.window.synchronized = interval
		c.window.synced = true
		tolerance /= 2
	}

	c.window.learned = false
	if !c.window.synced {
		return
	}

	previous := c.current.synchronized
	previousSynced := c.current.synced
	previousRealtime := c.current.realtime
	previousElapsed := int64(c.current.elapsed(c))

	c.current, c.window = c.window, c.current
	c.window.reset(c)

	metrics.Synchronizations.Inc()
	metrics.Synchronized.Set(1)
	metrics.OffsetBoundNanos.WithLabelValues(metrics.BoundLower).Set(float64(c.current.synchronized.LowerBound))
	metrics.OffsetBoundNanos.WithLabelValues(metrics.BoundUpper).Set(float64(c.current.synchronized.UpperBound))

	// Each epoch's interval is relative to its own anchor, so project both
	// to the present before comparing them or the OS clock against them.
	interval := c.current.synchronized
	currentElapsed := int64(c.current.elapsed(c))
	lowerBound := c.current.realtime + currentElapsed + interval.LowerBound
	upperBound := c.current.realtime + currentElapsed + interval.UpperBound

	log := c.log.With(
		"truechimers", fmt.Sprintf("%d/%d", interval.SourcesTrue, c.replicaCount),
		"lowerBound", SignedDuration(interval.LowerBound),
		"upperBound", SignedDuration(interval.UpperBound),
	)
	if previousSynced {
		log.Debug("Synchronized cluster time",
			"lowerBoundShift", SignedDuration(lowerBound-(previousRealtime+previousElapsed+previous.LowerBound)),
			"upperBoundShift", SignedDuration(upperBound-(previousRealtime+previousElapsed+previous.UpperBound)),
		)
	} else {
		log.Info("Synchronized cluster time")
	}

	// Report where the OS clock sits relative to the agreed interval.
	realtime := c.time.Realtime()
	switch {
	case realtime < lowerBound:
		c.log.Warn("System time is behind cluster time", "by", SignedDuration(lowerBound-realtime))
	case realtime > upperBound:
		c.log.Warn("System time is ahead of cluster time", "by", SignedDuration(realtime-upperBound))
	default:
		c.log.Debug("System time is within cluster time bounds")
	}
}
