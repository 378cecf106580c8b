package agent

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/clocksync/internal/metrics"
)

// ReplicaClock is the surface of the synchronizer the runtime components
// drive. All methods must be safe to call from multiple goroutines.
type ReplicaClock interface {
	Monotonic() uint64
	Realtime() int64
	RealtimeSynchronized() (int64, bool)
	Learn(peer uint8, m0 uint64, t1 int64, m2 uint64)
	Tick()
}

type PingerConfig struct {
	Clock clockwork.Clock

	// Replica is the local replica identifier, used for logging only; the
	// synchronizer filters looped-back samples itself.
	Replica uint8

	// Interval is how often every peer is probed.
	Interval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	Peers     PeerDiscovery
	GetSender func(ctx context.Context, peer *Peer) Sender

	// ReplicaClock supplies m0/m2 stamps and ingests completed samples.
	ReplicaClock ReplicaClock
}

// Pinger periodically probes every peer replica and feeds the resulting
// (m0, t1, m2) exchanges to the synchronizer.
type Pinger struct {
	log *slog.Logger
	cfg *PingerConfig
}

func NewPinger(log *slog.Logger, cfg *PingerConfig) *Pinger {
	return &Pinger{log: log, cfg: cfg}
}

func (p *Pinger) Run(ctx context.Context) error {
	p.log.Info("Starting probe loop", "replica", p.cfg.Replica, "interval", p.cfg.Interval)

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("Probe loop done")
			return nil
		case <-ticker.Chan():
			p.Tick(ctx)
		}
	}
}

// Tick probes every known peer once, each in its own goroutine, and waits for
// all probes to finish or time out.
func (p *Pinger) Tick(ctx context.Context) {
	peers := p.cfg.Peers.GetPeers()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer *Peer) {
			defer wg.Done()
			p.probe(ctx, peer)
		}(peer)
	}
	wg.Wait()
}

func (p *Pinger) probe(ctx context.Context, peer *Peer) {
	log := p.log.With("peer", peer.Replica, "addr", peer.Host)

	sender := p.cfg.GetSender(ctx, peer)
	if sender == nil {
		log.Debug("Failed to create sender, recording loss")
		metrics.ProbeLosses.WithLabelValues(strconv.Itoa(int(peer.Replica))).Inc()
		return
	}

	probeCtx := ctx
	var probeCancel context.CancelFunc
	if p.cfg.ProbeTimeout > 0 {
		probeCtx, probeCancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	}

	m0 := p.cfg.ReplicaClock.Monotonic()
	pong, err := sender.Probe(probeCtx, m0)
	m2 := p.cfg.ReplicaClock.Monotonic()
	if probeCancel != nil {
		probeCancel()
	}
	if err != nil {
		log.Debug("Probe failed, recording loss", "error", err)
		metrics.ProbeLosses.WithLabelValues(strconv.Itoa(int(peer.Replica))).Inc()
		return
	}

	if pong.Replica != peer.Replica {
		// The peer at this address is not who the configuration says it is.
		log.Warn("Pong replica does not match peer configuration", "pongReplica", pong.Replica)
		return
	}

	p.cfg.ReplicaClock.Learn(pong.Replica, m0, pong.T1, m2)
}
