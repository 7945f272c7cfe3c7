package router

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/networks/p2p"
	"github.com/bisgardo/concordium-node/networks/p2p/banlist"
	"github.com/bisgardo/concordium-node/networks/p2p/dedup"
	"github.com/bisgardo/concordium-node/networks/p2p/discover"
	"github.com/bisgardo/concordium-node/networks/p2p/noisecodec"
)

// fakeRegistry is a minimal in-memory Registry for exercising the router
// without a running event loop.
type fakeRegistry struct {
	mu    sync.Mutex
	conns map[uint64]*p2p.Connection
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conns: make(map[uint64]*p2p.Connection)}
}

func (f *fakeRegistry) add(c *p2p.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.Token] = c
}

func (f *fakeRegistry) Connections() []*p2p.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*p2p.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fakeRegistry) ByPeerId(id common.NodeId) (*p2p.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if p := c.Peer(); p != nil && p.Id == id {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeRegistry) CloseMatching(target common.BanId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		p := c.Peer()
		if p == nil {
			continue
		}
		if target.Kind == common.BanKindNodeId && p.Id == target.NodeId {
			c.MarkClosing()
		}
		if target.Kind == common.BanKindIp && p.Address.IP.Equal(target.IP) {
			c.MarkClosing()
		}
	}
}

func peerFor(id uint64, port int) common.Peer {
	return common.Peer{
		Id:      common.NodeId(id),
		Type:    common.PeerTypeNode,
		Address: net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
	}
}

// establishedPair dials two in-memory connections and drives both through
// the Noise and application handshakes, returning them Established.
func establishedPair(t *testing.T, token1, token2 uint64, peer1, peer2 common.Peer) (*p2p.Connection, *p2p.Connection, func()) {
	t.Helper()
	sock1, sock2 := net.Pipe()

	key1, err := noisecodec.GenerateStaticKeypair()
	require.NoError(t, err)
	key2, err := noisecodec.GenerateStaticKeypair()
	require.NoError(t, err)

	c1, err := p2p.NewOutboundConnection(token1, sock1, key1, peer1, []common.NetworkId{100},
		p2p.PreHandshakePeer{Type: common.PeerTypeNode, Address: peer2.Address}, nil)
	require.NoError(t, err)
	c2, err := p2p.NewInboundConnection(token2, sock2, key2, peer2, []common.NetworkId{100},
		p2p.PreHandshakePeer{Type: common.PeerTypeNode, Address: peer1.Address}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for c1.State() != p2p.StateEstablished || c2.State() != p2p.StateEstablished {
		require.True(t, time.Now().Before(deadline), "handshake did not establish")
		_, err := c1.Service()
		require.NoError(t, err)
		_, err = c2.Service()
		require.NoError(t, err)
	}

	return c1, c2, func() {
		sock1.Close()
		sock2.Close()
	}
}

func newTestRouter(t *testing.T, self common.Peer, trustBans bool, reg *fakeRegistry) (*Router, chan Delivery) {
	t.Helper()
	buckets := discover.New(discover.DefaultCapacity)
	bans, err := banlist.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bans.Close() })
	dq, err := dedup.New()
	require.NoError(t, err)
	deliveries := make(chan Delivery, 16)
	return New(self, trustBans, reg, buckets, bans, dq, deliveries), deliveries
}

func TestHandleDirectPacketToSelfDelivers(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19001)
	r, deliveries := newTestRouter(t, self, false, reg)

	sender := peerFor(2, 19002)
	pkt := &p2p.Packet{Kind: p2p.PacketDirect, RecipientId: self.Id, Network: 100, Payload: []byte("hello")}
	require.NoError(t, r.HandleEnvelope(nil, &p2p.Envelope{Sender: sender, Body: pkt}))

	select {
	case d := <-deliveries:
		assert.Equal(t, []byte("hello"), d.Payload)
		assert.Equal(t, common.NodeId(2), d.From)
	default:
		t.Fatal("expected a delivery")
	}
}

func TestHandleDirectPacketForwardsToKnownRecipient(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19011)
	r, _ := newTestRouter(t, self, false, reg)

	peerA := peerFor(2, 19012)
	peerB := peerFor(3, 19013)
	connToB, connFromB, cleanup := establishedPair(t, 10, 11, peerA, peerB)
	defer cleanup()
	reg.add(connToB)

	pkt := &p2p.Packet{Kind: p2p.PacketDirect, RecipientId: peerB.Id, Network: 100, Payload: []byte("for-b")}
	require.NoError(t, r.HandleEnvelope(nil, &p2p.Envelope{Sender: peerA, Body: pkt}))

	_, err := connToB.Service()
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "forwarded packet did not arrive")
		delivered, err := connFromB.Service()
		require.NoError(t, err)
		if len(delivered) > 0 {
			p, ok := delivered[0].Body.(*p2p.Packet)
			require.True(t, ok)
			assert.Equal(t, []byte("for-b"), p.Payload)
			return
		}
	}
}

func TestHandleGetPeersRepliesFromBuckets(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19061)
	r, _ := newTestRouter(t, self, false, reg)
	r.buckets.Insert(common.NetworkId(100), peerFor(5, 19062))
	r.buckets.Insert(common.NetworkId(100), peerFor(6, 19063))

	peerA := peerFor(1, 19061)
	peerB := peerFor(2, 19064)
	connToB, connFromB, cleanup := establishedPair(t, 40, 41, peerA, peerB)
	defer cleanup()

	req := &p2p.Request{Type: p2p.ReqGetPeers, GetPeers: &p2p.GetPeersBody{Networks: []common.NetworkId{100}}}
	require.NoError(t, r.HandleEnvelope(connToB, &p2p.Envelope{Sender: peerB, Body: req}))
	_, err := connToB.Service()
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "peer list reply did not arrive")
		delivered, err := connFromB.Service()
		require.NoError(t, err)
		if len(delivered) > 0 {
			resp, ok := delivered[0].Body.(*p2p.Response)
			require.True(t, ok)
			require.Equal(t, p2p.RespPeerList, resp.Type)
			assert.Len(t, resp.PeerList.Peers, 2)
			return
		}
	}
}

func TestBroadcastDedupSuppressesSecondDelivery(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19021)
	r, deliveries := newTestRouter(t, self, false, reg)

	sender := peerFor(2, 19022)
	pkt := &p2p.Packet{Kind: p2p.PacketBroadcast, Network: 100, Payload: []byte("gossip")}
	env := &p2p.Envelope{Sender: sender, Body: pkt}

	require.NoError(t, r.HandleEnvelope(nil, env))
	require.NoError(t, r.HandleEnvelope(nil, env))

	assert.Len(t, deliveries, 1, "second identical broadcast must be suppressed")
}

func TestBanAppliesLocallyAndClosesMatchingConnection(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19031)
	r, _ := newTestRouter(t, self, false, reg)

	peerA := peerFor(1, 19031)
	peerB := peerFor(2, 19032)
	connToB, _, cleanup := establishedPair(t, 20, 21, peerA, peerB)
	defer cleanup()
	reg.add(connToB)

	require.NoError(t, r.Ban(common.BanIdFromNodeId(peerB.Id)))

	assert.True(t, connToB.IsClosing())
	banned, err := r.IsBanned(common.BanIdFromNodeId(peerB.Id))
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestBanNodeRequestIgnoredWhenPeerBansNotTrusted(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19041)
	r, _ := newTestRouter(t, self, false, reg)

	target := common.BanIdFromNodeId(common.NodeId(99))
	req := &p2p.Request{Type: p2p.ReqBanNode, BanNode: &p2p.BanNodeBody{Target: target}}
	require.NoError(t, r.HandleEnvelope(nil, &p2p.Envelope{Sender: peerFor(2, 19042), Body: req}))

	banned, err := r.IsBanned(target)
	require.NoError(t, err)
	assert.False(t, banned, "untrusted peer ban requests must not be applied")
}

func TestRetransmitReplaysMatchingLocalBroadcast(t *testing.T) {
	reg := newFakeRegistry()
	self := peerFor(1, 19051)
	r, _ := newTestRouter(t, self, false, reg)

	before := time.Now().Add(-time.Minute)
	r.Broadcast(dedup.ElementTransaction, common.NetworkId(100), []byte("tx-payload"))

	peerA := peerFor(1, 19051)
	peerB := peerFor(2, 19052)
	connToB, connFromB, cleanup := establishedPair(t, 30, 31, peerA, peerB)
	defer cleanup()
	reg.add(connToB)

	req := &p2p.Request{
		Type: p2p.ReqRetransmit,
		Retransmit: &p2p.RetransmitBody{
			SinceTs:     uint64(before.UnixMilli()),
			ElementType: p2p.ElementTransaction,
			Network:     100,
		},
	}
	require.NoError(t, r.HandleEnvelope(connToB, &p2p.Envelope{Sender: peerB, Body: req}))
	_, err := connToB.Service()
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "retransmitted packet did not arrive")
		delivered, err := connFromB.Service()
		require.NoError(t, err)
		if len(delivered) > 0 {
			p, ok := delivered[0].Body.(*p2p.Packet)
			require.True(t, ok)
			assert.Equal(t, []byte("tx-payload"), p.Payload)
			return
		}
	}
}
