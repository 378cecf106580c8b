package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/clocksync/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_ParsePeers(t *testing.T) {
	t.Parallel()

	t.Run("parses a full cluster list", func(t *testing.T) {
		t.Parallel()

		peers, err := agent.ParsePeers("0=10.0.0.1:3004,1=10.0.0.2:3004, 2=10.0.0.3:3004")
		require.NoError(t, err)
		assert.Equal(t, map[uint8]string{
			0: "10.0.0.1:3004",
			1: "10.0.0.2:3004",
			2: "10.0.0.3:3004",
		}, peers)
	})

	t.Run("accepts hostnames", func(t *testing.T) {
		t.Parallel()

		peers, err := agent.ParsePeers("1=replica-1.cluster.internal:3004")
		require.NoError(t, err)
		assert.Equal(t, "replica-1.cluster.internal:3004", peers[1])
	})

	t.Run("rejects malformed entries", func(t *testing.T) {
		t.Parallel()

		for _, s := range []string{
			"",
			"10.0.0.1:3004",
			"x=10.0.0.1:3004",
			"300=10.0.0.1:3004",
			"1=10.0.0.1",
			"1=10.0.0.1:3004,1=10.0.0.2:3004",
		} {
			_, err := agent.ParsePeers(s)
			assert.Error(t, err, "expected error for %q", s)
		}
	})
}

func TestAgent_StaticPeerDiscovery(t *testing.T) {
	t.Parallel()

	t.Run("resolves peers and excludes the local replica", func(t *testing.T) {
		t.Parallel()

		discovery, err := agent.NewStaticPeerDiscovery(&agent.StaticPeerDiscoveryConfig{
			Logger:       log,
			Clock:        clockwork.NewFakeClock(),
			LocalReplica: 0,
			Peers: map[uint8]string{
				0: "127.0.0.1:3004",
				1: "127.0.0.1:3005",
				2: "127.0.0.1:3006",
			},
			RefreshInterval: time.Second,
		})
		require.NoError(t, err)

		require.NoError(t, discovery.Refresh(context.Background()))

		peers := discovery.GetPeers()
		require.Len(t, peers, 2)
		assert.Equal(t, uint8(1), peers[0].Replica)
		assert.Equal(t, uint8(2), peers[1].Replica)
		for _, peer := range peers {
			require.NotNil(t, peer.Addr)
			assert.Equal(t, "127.0.0.1", peer.Addr.IP.String())
		}
	})

	t.Run("keeps previous address when resolution fails", func(t *testing.T) {
		t.Parallel()

		cfg := &agent.StaticPeerDiscoveryConfig{
			Logger:       log,
			Clock:        clockwork.NewFakeClock(),
			LocalReplica: 0,
			Peers: map[uint8]string{
				1: "127.0.0.1:3005",
			},
			RefreshInterval: time.Second,
		}
		discovery, err := agent.NewStaticPeerDiscovery(cfg)
		require.NoError(t, err)
		require.NoError(t, discovery.Refresh(context.Background()))

		before := discovery.GetPeers()
		require.Len(t, before, 1)

		// Swap the address for one that cannot resolve; the peer keeps its
		// previously resolved address.
		cfg.Peers[1] = "host.invalid:3005"
		require.Error(t, discovery.Refresh(context.Background()))

		after := discovery.GetPeers()
		require.Len(t, after, 1)
		assert.Equal(t, before[0].Addr.String(), after[0].Addr.String())
	})

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()

		_, err := agent.NewStaticPeerDiscovery(&agent.StaticPeerDiscoveryConfig{
			Logger:          log,
			Clock:           clockwork.NewFakeClock(),
			RefreshInterval: time.Second,
		})
		require.Error(t, err, "expected error for empty peer list")
	})
}
