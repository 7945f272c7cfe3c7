package discover

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisgardo/concordium-node/common"
)

func peerN(id uint64) common.Peer {
	return common.Peer{
		Id:      common.NodeId(id),
		Type:    common.PeerTypeNode,
		Address: net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(18000 + id)},
	}
}

func TestInsertIsIdempotentAndMovesToFront(t *testing.T) {
	b := New(10)
	net1 := common.NetworkId(100)
	b.Insert(net1, peerN(1))
	b.Insert(net1, peerN(2))
	b.Insert(net1, peerN(1))

	got := b.GetRandom(net1, nil, 10)
	require.Len(t, got, 2)
	assert.Equal(t, common.NodeId(1), got[0].Id, "re-inserted peer should move to front")
}

func TestInsertEvictsLeastRecentlyContactedAtCapacity(t *testing.T) {
	b := New(2)
	net1 := common.NetworkId(1)
	b.Insert(net1, peerN(1))
	b.Insert(net1, peerN(2))
	b.Insert(net1, peerN(3))

	assert.Equal(t, 2, b.Len(net1))
	assert.False(t, b.Contains(net1, common.NodeId(1)), "oldest entry should have been evicted")
	assert.True(t, b.Contains(net1, common.NodeId(3)))
}

func TestGetRandomExcludes(t *testing.T) {
	b := New(10)
	net1 := common.NetworkId(1)
	b.Insert(net1, peerN(1))
	b.Insert(net1, peerN(2))

	exclude := map[common.NodeId]struct{}{common.NodeId(2): {}}
	got := b.GetRandom(net1, exclude, 10)
	require.Len(t, got, 1)
	assert.Equal(t, common.NodeId(1), got[0].Id)
}

func TestRemoveFromOneNetwork(t *testing.T) {
	b := New(10)
	net1 := common.NetworkId(1)
	net2 := common.NetworkId(2)
	p := peerN(1)
	b.Insert(net1, p)
	b.Insert(net2, p)

	b.Remove(net1, p, false)
	assert.False(t, b.Contains(net1, p.Id))
	assert.True(t, b.Contains(net2, p.Id))
}

func TestRemoveFromAllNetworks(t *testing.T) {
	b := New(10)
	net1 := common.NetworkId(1)
	net2 := common.NetworkId(2)
	p := peerN(1)
	b.Insert(net1, p)
	b.Insert(net2, p)

	b.Remove(0, p, true)
	assert.False(t, b.Contains(net1, p.Id))
	assert.False(t, b.Contains(net2, p.Id))
}

func TestGetPeerStatsFilter(t *testing.T) {
	b := New(10)
	b.Insert(common.NetworkId(1), peerN(1))
	b.Insert(common.NetworkId(2), peerN(2))

	filter := map[common.NetworkId]struct{}{common.NetworkId(1): {}}
	stats := b.GetPeerStats(filter)
	require.Len(t, stats, 1)
	assert.Equal(t, common.NetworkId(1), stats[0].Network)
}
