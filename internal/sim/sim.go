// Package sim runs an in-process cluster of replicas on deterministic time
// sources connected by a simulated network, to exercise clock synchronization
// without real sockets or wall time.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/malbeclabs/clocksync/internal/clock"
)

type Config struct {
	// Replicas is the cluster size.
	Replicas uint8

	// Ticks is how many logical ticks to run.
	Ticks int

	// Resolution is the simulated duration of one tick.
	Resolution time.Duration

	// Latency is the base one-way network delay between any two replicas.
	Latency time.Duration

	// Jitter is the maximum random delay added to each one-way leg.
	Jitter time.Duration

	// MaxOffset bounds each replica's random wall-clock error.
	MaxOffset time.Duration

	// Liars is how many replicas report a wildly wrong wall clock. A liar's
	// clock is off by 100x MaxOffset.
	Liars uint8

	// Seed makes the simulation reproducible.
	Seed int64
}

func (c *Config) Validate() error {
	if c.Replicas == 0 {
		return errors.New("replicas must be greater than 0")
	}
	if c.Ticks <= 0 {
		return errors.New("ticks must be greater than 0")
	}
	if c.Resolution <= 0 {
		return errors.New("resolution must be greater than 0")
	}
	if c.Latency < 0 || c.Jitter < 0 || c.MaxOffset < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Liars >= c.Replicas {
		return errors.New("liars must be fewer than replicas")
	}
	if c.Liars > 0 && c.MaxOffset == 0 {
		return errors.New("liars require a non-zero max offset")
	}
	return nil
}

type replica struct {
	id     uint8
	offset time.Duration
	liar   bool
	source *clock.DeterministicTime
	clock  *clock.Clock
}

// Cluster is a simulated cluster of replicas exchanging clock probes.
type Cluster struct {
	log      *slog.Logger
	cfg      Config
	rng      *rand.Rand
	replicas []*replica
	ticks    int
}

func New(log *slog.Logger, cfg Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	c := &Cluster{
		log:      log,
		cfg:      cfg,
		rng:      rng,
		replicas: make([]*replica, cfg.Replicas),
	}

	for i := range c.replicas {
		id := uint8(i)

		// Honest replicas drift within [-MaxOffset, MaxOffset]; liars are
		// off by two orders of magnitude. The last Liars replicas lie so a
		// fixed seed keeps honest offsets stable as Liars varies.
		liar := i >= int(cfg.Replicas-cfg.Liars)
		var offset time.Duration
		if cfg.MaxOffset > 0 {
			offset = time.Duration(rng.Int63n(int64(2*cfg.MaxOffset))) - cfg.MaxOffset
		}
		if liar {
			offset += 100 * cfg.MaxOffset
		}

		source := clock.NewDeterministic(cfg.Resolution, offset)
		core, err := clock.New(log, clock.Config{
			ReplicaCount: cfg.Replicas,
			Replica:      id,
			Time:         source,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create clock for replica %d: %w", id, err)
		}

		c.replicas[i] = &replica{
			id:     id,
			offset: offset,
			liar:   liar,
			source: source,
			clock:  core,
		}
	}

	return c, nil
}

// Run steps the whole cluster through the configured number of ticks. On each
// tick every replica probes every other replica, then all replicas tick their
// synchronizers.
func (c *Cluster) Run() {
	for range c.cfg.Ticks {
		for _, a := range c.replicas {
			for _, b := range c.replicas {
				if a == b {
					continue
				}
				c.exchange(a, b)
			}
		}
		for _, r := range c.replicas {
			r.clock.Tick()
		}
		c.ticks++
	}
}

// exchange simulates one ping/pong round trip from a to b. Network delays are
// sub-tick: the replicas' clocks do not advance during the exchange, but the
// delays still show up in the timestamps carried by the probe.
func (c *Cluster) exchange(a, b *replica) {
	outbound := c.delay()
	inbound := c.delay()

	m0 := a.clock.Monotonic()
	t1 := b.clock.Realtime() + int64(outbound)
	m2 := m0 + uint64(outbound) + uint64(inbound)

	a.clock.Learn(b.id, m0, t1, m2)
}

func (c *Cluster) delay() time.Duration {
	d := c.cfg.Latency
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rng.Int63n(int64(c.cfg.Jitter)))
	}
	return d
}

// ReplicaStatus is one replica's view of cluster time at the end of a run.
type ReplicaStatus struct {
	Replica uint8

	// Offset is the replica's injected wall-clock error.
	Offset time.Duration

	// Liar reports whether the replica's clock was configured to lie.
	Liar bool

	// Synchronized reports whether the replica holds an agreed cluster time.
	Synchronized bool

	// Time is the replica's synchronized cluster time, when synchronized.
	Time int64

	// Error is the difference between the replica's synchronized time and
	// the simulation's reference time, when synchronized.
	Error time.Duration
}

// Status reports every replica's synchronization state. The reference time is
// the simulation's true elapsed time: ticks times resolution.
func (c *Cluster) Status() []ReplicaStatus {
	reference := int64(c.ticks) * int64(c.cfg.Resolution)

	statuses := make([]ReplicaStatus, len(c.replicas))
	for i, r := range c.replicas {
		status := ReplicaStatus{
			Replica: r.id,
			Offset:  r.offset,
			Liar:    r.liar,
		}
		if ts, ok := r.clock.RealtimeSynchronized(); ok {
			status.Synchronized = true
			status.Time = ts
			status.Error = time.Duration(ts - reference)
		}
		statuses[i] = status
	}
	return statuses
}
