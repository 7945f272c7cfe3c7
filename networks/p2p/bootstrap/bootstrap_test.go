package bootstrap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisgardo/concordium-node/common"
)

type fakeResolver struct {
	records []string
	err     error
}

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.records, f.err
}

func tcpAddr(t *testing.T, hostPort string) net.TCPAddr {
	t.Helper()
	addr, err := ResolveTCPAddr(hostPort)
	require.NoError(t, err)
	return addr
}

func TestParseTXTAddressesSplitsCommaSeparatedEntries(t *testing.T) {
	addrs := ParseTXTAddresses([]string{"127.0.0.1:10000, 127.0.0.1:10001"})
	require.Len(t, addrs, 2)
	assert.Equal(t, 10000, addrs[0].Port)
	assert.Equal(t, 10001, addrs[1].Port)
}

func TestParseTXTAddressesSkipsUnparsableEntries(t *testing.T) {
	addrs := ParseTXTAddresses([]string{"127.0.0.1:10000, not-an-address, 127.0.0.1:10002"})
	require.Len(t, addrs, 2)
	assert.Equal(t, 10000, addrs[0].Port)
	assert.Equal(t, 10002, addrs[1].Port)
}

func TestSeedsCombinesConfiguredAndDNS(t *testing.T) {
	cfg := Config{
		ConfiguredNodes: []net.TCPAddr{tcpAddr(t, "127.0.0.1:9000")},
		DNSName:         "seed.example.invalid",
	}
	resolver := fakeResolver{records: []string{"127.0.0.1:9001"}}

	seeds := Seeds(context.Background(), cfg, resolver)
	require.Len(t, seeds, 2)
	assert.Equal(t, 9000, seeds[0].Port)
	assert.Equal(t, 9001, seeds[1].Port)
}

func TestSeedsFallsBackToConfiguredOnDNSFailure(t *testing.T) {
	cfg := Config{
		ConfiguredNodes: []net.TCPAddr{tcpAddr(t, "127.0.0.1:9000")},
		DNSName:         "seed.example.invalid",
	}
	resolver := fakeResolver{err: assertErr("lookup failed")}

	seeds := Seeds(context.Background(), cfg, resolver)
	require.Len(t, seeds, 1)
	assert.Equal(t, 9000, seeds[0].Port)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestLoopStarvedAndDue(t *testing.T) {
	l := NewLoop(2, []common.NetworkId{100}, nil)
	l.grace = 10 * time.Millisecond

	assert.True(t, l.Starved(0))
	assert.True(t, l.Starved(1))
	assert.False(t, l.Starved(2))
	assert.False(t, l.Starved(3))

	assert.False(t, l.Due())
	time.Sleep(15 * time.Millisecond)
	assert.True(t, l.Due())
}

func TestFilterUnknownPeersExcludesSelfAndKnown(t *testing.T) {
	self := common.Peer{Id: 1, Type: common.PeerTypeNode}
	c := common.Peer{Id: 3, Type: common.PeerTypeNode}
	peers := []common.Peer{
		self,
		{Id: 2, Type: common.PeerTypeNode},
		c,
	}
	known := map[common.NodeId]struct{}{2: {}}

	out := FilterUnknownPeers(peers, self, func(p common.Peer) bool {
		_, ok := known[p.Id]
		return ok
	})

	require.Len(t, out, 1)
	assert.Equal(t, c.Id, out[0].Id)
}

func TestBootstrapSeedingScenario(t *testing.T) {
	// Scenario 4: Bootstrapper B is configured with peers {C, D, E}; with
	// desired_nodes=2, the loop reports satisfied after 2 successes even
	// though all three were offered as candidates.
	l := NewLoop(2, []common.NetworkId{100}, []net.TCPAddr{tcpAddr(t, "127.0.0.1:20000")})
	require.Len(t, l.Bootstrappers(), 1)

	self := common.Peer{Id: 1, Type: common.PeerTypeNode}
	candidates := []common.Peer{
		{Id: 2, Type: common.PeerTypeNode},
		{Id: 3, Type: common.PeerTypeNode},
		{Id: 4, Type: common.PeerTypeNode},
	}
	targets := FilterUnknownPeers(candidates, self, nil)
	require.Len(t, targets, 3)

	assert.True(t, l.Starved(0))
	assert.True(t, l.Starved(1))
	assert.False(t, l.Starved(2), "loop must stop treating itself as starved once desired_nodes is reached")
}
