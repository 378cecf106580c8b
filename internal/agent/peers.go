package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// Peer is a remote replica the agent probes for clock samples.
type Peer struct {
	Replica uint8
	Host    string
	Addr    *net.UDPAddr
}

func (p *Peer) String() string {
	return fmt.Sprintf("replica=%d,host=%s", p.Replica, p.Host)
}

type PeerDiscovery interface {
	Run(ctx context.Context) error
	GetPeers() []*Peer
}

type StaticPeerDiscoveryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// LocalReplica is excluded from the peer set if it appears in Peers.
	LocalReplica uint8

	// Peers maps replica identifiers to host:port addresses.
	Peers map[uint8]string

	// RefreshInterval is how often peer addresses are re-resolved, so DNS
	// changes are picked up without a restart.
	RefreshInterval time.Duration
}

func (c *StaticPeerDiscoveryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if len(c.Peers) == 0 {
		return errors.New("at least one peer is required")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	return nil
}

// staticPeerDiscovery implements PeerDiscovery over a fixed, flag-provided
// peer list. The set of replicas never changes at runtime; only their
// resolved addresses do.
type staticPeerDiscovery struct {
	log *slog.Logger
	cfg *StaticPeerDiscoveryConfig

	peers   []*Peer
	peersMu sync.RWMutex
}

func NewStaticPeerDiscovery(cfg *StaticPeerDiscoveryConfig) (*staticPeerDiscovery, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid peer discovery config: %w", err)
	}

	return &staticPeerDiscovery{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (p *staticPeerDiscovery) Run(ctx context.Context) error {
	p.log.Info("Starting peer discovery", "peers", len(p.cfg.Peers))

	if err := p.Refresh(ctx); err != nil {
		p.log.Error("Failed to resolve peers at startup", "error", err)
	}

	ticker := p.cfg.Clock.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := p.Refresh(ctx); err != nil {
				p.log.Error("Failed to refresh peers", "error", err)
			}
		}
	}
}

func (p *staticPeerDiscovery) GetPeers() []*Peer {
	p.peersMu.RLock()
	defer p.peersMu.RUnlock()

	peers := make([]*Peer, len(p.peers))
	copy(peers, p.peers)
	return peers
}

// Refresh re-resolves every peer address. A peer that fails to resolve keeps
// its previously resolved address, if any.
func (p *staticPeerDiscovery) Refresh(ctx context.Context) error {
	previous := make(map[uint8]*net.UDPAddr)
	for _, peer := range p.GetPeers() {
		previous[peer.Replica] = peer.Addr
	}

	var errs []error
	peers := make([]*Peer, 0, len(p.cfg.Peers))
	for replica, host := range p.cfg.Peers {
		if replica == p.cfg.LocalReplica {
			continue
		}

		addr, err := p.resolve(ctx, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve peer %d at %s: %w", replica, host, err))
			addr = previous[replica]
			if addr == nil {
				continue
			}
		}
		peers = append(peers, &Peer{Replica: replica, Host: host, Addr: addr})
	}
	sort.Slice(peers, func(a, b int) bool { return peers[a].Replica < peers[b].Replica })

	p.peersMu.Lock()
	p.peers = peers
	p.peersMu.Unlock()

	return errors.Join(errs...)
}

// resolve looks up a peer address, with a few retries to mitigate transient
// resolver failures. The next refresh will try again if all retries fail.
func (p *staticPeerDiscovery) resolve(ctx context.Context, host string) (*net.UDPAddr, error) {
	return backoff.Retry(ctx, func() (*net.UDPAddr, error) {
		return net.ResolveUDPAddr("udp", host)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

// ParsePeers parses a comma-separated replica=host:port list, e.g.
// "0=10.0.0.1:3004,1=10.0.0.2:3004,2=10.0.0.3:3004".
func ParsePeers(s string) (map[uint8]string, error) {
	peers := make(map[uint8]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		replicaStr, host, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer entry %q, expected replica=host:port", entry)
		}
		replica, err := strconv.ParseUint(replicaStr, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid replica in peer entry %q: %w", entry, err)
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			return nil, fmt.Errorf("invalid address in peer entry %q: %w", entry, err)
		}
		if _, ok := peers[uint8(replica)]; ok {
			return nil, fmt.Errorf("duplicate replica %d in peer list", replica)
		}
		peers[uint8(replica)] = host
	}
	if len(peers) == 0 {
		return nil, errors.New("peer list is empty")
	}
	return peers, nil
}
