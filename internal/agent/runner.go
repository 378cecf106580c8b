package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/clocksync/internal/clock"
)

const (
	defaultSenderCleanupInterval = 1 * time.Minute
	defaultSenderMaxIdle         = 5 * time.Minute
)

type Config struct {
	// ReplicaCount is the fixed cluster size, including ourselves.
	ReplicaCount uint8

	// Replica is our own index within the cluster.
	Replica uint8

	// ListenPort is the UDP port the responder answers pings on.
	ListenPort uint16

	// Peers maps replica identifiers to host:port addresses. Our own entry,
	// if present, is ignored.
	Peers map[uint8]string

	// ProbeInterval is how often every peer is probed.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// TickInterval is how often the synchronizer's tick runs.
	TickInterval time.Duration

	// PeersRefreshInterval is how often peer addresses are re-resolved.
	PeersRefreshInterval time.Duration

	// ResponderTimeout is the responder's socket read/write timeout.
	ResponderTimeout time.Duration

	// SenderTTL is the time to live for a sender instance until it's
	// recreated.
	SenderTTL time.Duration

	// Synchronizer tunables, zero values meaning the clock package defaults.
	OffsetToleranceMax time.Duration
	EpochMax           time.Duration
	WindowMin          time.Duration
	WindowMax          time.Duration

	// Clock schedules the runtime's loops; defaults to the real wall clock.
	Clock clockwork.Clock

	// TimeSource backs the synchronizer; defaults to system time.
	TimeSource clock.TimeSource
}

func (c *Config) Validate() error {
	if c.ReplicaCount == 0 {
		return errors.New("replica count must be greater than 0")
	}
	if c.Replica >= c.ReplicaCount {
		return errors.New("replica must be less than replica count")
	}
	if len(c.Peers) == 0 {
		return errors.New("peers are required")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("probe interval must be greater than 0")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be greater than 0")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be greater than 0")
	}
	if c.PeersRefreshInterval <= 0 {
		return errors.New("peers refresh interval must be greater than 0")
	}
	if c.ResponderTimeout <= 0 {
		return errors.New("responder timeout must be greater than 0")
	}
	if c.SenderTTL <= 0 {
		return errors.New("sender ttl must be greater than 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TimeSource == nil {
		c.TimeSource = clock.NewSystemTime()
	}
	return nil
}

// Runner wires the synchronizer to the network: it owns the clock, the
// responder, peer discovery, the probe loop, and the tick loop, and manages
// their shared lifecycle.
type Runner struct {
	log *slog.Logger
	cfg Config

	clock     *lockedClock
	peers     PeerDiscovery
	responder *Responder
	pinger    *Pinger

	senders   map[string]*senderEntry
	sendersMu sync.Mutex
}

func New(log *slog.Logger, cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	core, err := clock.New(log, clock.Config{
		ReplicaCount:       cfg.ReplicaCount,
		Replica:            cfg.Replica,
		Time:               cfg.TimeSource,
		OffsetToleranceMax: cfg.OffsetToleranceMax,
		EpochMax:           cfg.EpochMax,
		WindowMin:          cfg.WindowMin,
		WindowMax:          cfg.WindowMax,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create clock: %w", err)
	}

	r := &Runner{
		log:     log,
		cfg:     cfg,
		clock:   &lockedClock{clock: core},
		senders: make(map[string]*senderEntry),
	}

	r.peers, err = NewStaticPeerDiscovery(&StaticPeerDiscoveryConfig{
		Logger:          log,
		Clock:           cfg.Clock,
		LocalReplica:    cfg.Replica,
		Peers:           cfg.Peers,
		RefreshInterval: cfg.PeersRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer discovery: %w", err)
	}

	r.responder, err = NewResponder(log, cfg.ListenPort, cfg.ResponderTimeout, cfg.Replica, r.clock.Realtime)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder: %w", err)
	}

	r.pinger = NewPinger(log, &PingerConfig{
		Clock:        cfg.Clock,
		Replica:      cfg.Replica,
		Interval:     cfg.ProbeInterval,
		ProbeTimeout: cfg.ProbeTimeout,
		Peers:        r.peers,
		GetSender:    r.getOrCreateSender,
		ReplicaClock: r.clock,
	})

	return r, nil
}

// Clock returns the synchronizer surface for the host's state machine, which
// must take timestamps from RealtimeSynchronized only.
func (r *Runner) Clock() ReplicaClock {
	return r.clock
}

// Run launches all components and blocks until shutdown or an unrecoverable
// error occurs.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting clock synchronization agent",
		"replica", r.cfg.Replica,
		"replicaCount", r.cfg.ReplicaCount,
		"listen", r.responder.LocalAddr(),
		"probeInterval", r.cfg.ProbeInterval,
		"tickInterval", r.cfg.TickInterval,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	var wg sync.WaitGroup

	// Start the probe responder in the background.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.responder.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("failed to run probe responder: %w", err)
		}
	}()

	// Start the peer discovery component in the background.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.peers.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("failed to run peer discovery: %w", err)
		}
	}()

	// Start the probe loop in the background.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.pinger.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("failed to run probe loop: %w", err)
		}
	}()

	// Start the synchronizer tick loop in the background.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := r.cfg.Clock.NewTicker(r.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.Chan():
				r.clock.Tick()
			}
		}
	}()

	// Start the sender cleanup loop in the background.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := r.cfg.Clock.NewTicker(defaultSenderCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.Chan():
				r.cleanupIdleSenders(defaultSenderMaxIdle)
			}
		}
	}()

	// Wait for the context to be done or an error to be returned.
	var err error
	select {
	case <-ctx.Done():
	case e := <-errCh:
		r.log.Error("Clock synchronization agent shutting down due to error", "error", e)
		err = e
		cancel()
	}

	wg.Wait()

	if cerr := r.Close(); cerr != nil {
		r.log.Warn("Failed to close clock synchronization agent", "error", cerr)
	}

	return err
}

// Close shuts down the responder and all active senders.
func (r *Runner) Close() error {
	r.log.Info("Closing clock synchronization agent")

	if err := r.responder.Close(); err != nil {
		r.log.Warn("Failed to close probe responder", "error", err)
	}

	r.sendersMu.Lock()
	defer r.sendersMu.Unlock()
	for _, entry := range r.senders {
		if err := entry.sender.Close(); err != nil {
			r.log.Warn("Failed to close sender", "error", err)
		}
	}

	return nil
}

type senderEntry struct {
	sender    Sender
	lastUsed  time.Time
	createdAt time.Time
}

func (r *Runner) getOrCreateSender(ctx context.Context, peer *Peer) Sender {
	key := peer.String()
	now := r.cfg.Clock.Now()

	r.sendersMu.Lock()
	entry, ok := r.senders[key]
	if ok {
		entry.lastUsed = now
		if now.Sub(entry.createdAt) >= r.cfg.SenderTTL {
			_ = entry.sender.Close()
			delete(r.senders, key)
		} else {
			s := entry.sender
			r.sendersMu.Unlock()
			return s
		}
	}
	r.sendersMu.Unlock()

	sender, err := NewSender(ctx, r.log, r.cfg.Replica, peer.Addr)
	if err != nil {
		r.log.Error("Failed to create sender", "peer", key, "error", err)
		return nil
	}

	r.sendersMu.Lock()
	r.senders[key] = &senderEntry{
		sender:    sender,
		lastUsed:  now,
		createdAt: now,
	}
	r.sendersMu.Unlock()

	return sender
}

func (r *Runner) cleanupIdleSenders(maxIdle time.Duration) {
	now := r.cfg.Clock.Now()

	r.sendersMu.Lock()
	defer r.sendersMu.Unlock()

	for key, entry := range r.senders {
		if now.Sub(entry.lastUsed) > maxIdle {
			r.log.Debug("Evicting idle sender", "peer", key)
			_ = entry.sender.Close()
			delete(r.senders, key)
		}
	}
}

// lockedClock serializes access to the core synchronizer, which is
// single-threaded by design, across the runtime's goroutines.
type lockedClock struct {
	mu    sync.Mutex
	clock *clock.Clock
}

func (l *lockedClock) Monotonic() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Monotonic()
}

func (l *lockedClock) Realtime() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Realtime()
}

func (l *lockedClock) RealtimeSynchronized() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.RealtimeSynchronized()
}

func (l *lockedClock) Learn(peer uint8, m0 uint64, t1 int64, m2 uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock.Learn(peer, m0, t1, m2)
}

func (l *lockedClock) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock.Tick()
}
