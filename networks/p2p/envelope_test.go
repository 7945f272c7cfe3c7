package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisgardo/concordium-node/common"
)

func samplePeer(id uint64) common.Peer {
	return common.Peer{
		Id:      common.NodeId(id),
		Type:    common.PeerTypeNode,
		Address: net.TCPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 18888},
	}
}

func TestEnvelopeDirectPacketRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender: samplePeer(1),
		Body: &Packet{
			Kind:        PacketDirect,
			RecipientId: common.NodeId(2),
			Network:     common.NetworkId(100),
			Payload:     []byte("hello"),
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.Sender, decoded.Sender)
	pkt, ok := decoded.Body.(*Packet)
	require.True(t, ok)
	assert.Equal(t, PacketDirect, pkt.Kind)
	assert.Equal(t, common.NodeId(2), pkt.RecipientId)
	assert.Equal(t, common.NetworkId(100), pkt.Network)
	assert.Equal(t, []byte("hello"), pkt.Payload)
}

func TestEnvelopeBroadcastPacketRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender: samplePeer(1),
		Body: &Packet{
			Kind:        PacketBroadcast,
			ExcludedIds: []common.NodeId{2, 3},
			Network:     common.NetworkId(7),
			Payload:     []byte("x"),
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	pkt, ok := decoded.Body.(*Packet)
	require.True(t, ok)
	assert.Equal(t, PacketBroadcast, pkt.Kind)
	assert.Equal(t, []common.NodeId{2, 3}, pkt.ExcludedIds)
}

func TestEnvelopeGetPeersRequestRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender: samplePeer(5),
		Body: &Request{
			Type:     ReqGetPeers,
			GetPeers: &GetPeersBody{Networks: []common.NetworkId{1, 2, 3}},
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	req, ok := decoded.Body.(*Request)
	require.True(t, ok)
	assert.Equal(t, ReqGetPeers, req.Type)
	assert.Equal(t, []common.NetworkId{1, 2, 3}, req.GetPeers.Networks)
}

func TestEnvelopeHandshakeRequestRoundTrip(t *testing.T) {
	genesis := common.HashBytes([]byte("test-genesis"))
	env := &Envelope{
		Sender: samplePeer(9),
		Body: &Request{
			Type: ReqHandshake,
			Handshake: &HandshakeBody{
				Peer:           samplePeer(9),
				Networks:       []common.NetworkId{100},
				GenesisHash:    genesis,
				KnownPeersHint: nil,
			},
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	req, ok := decoded.Body.(*Request)
	require.True(t, ok)
	assert.Equal(t, ReqHandshake, req.Type)
	assert.Equal(t, []common.NetworkId{100}, req.Handshake.Networks)
	assert.Equal(t, genesis, req.Handshake.GenesisHash)
}

func TestEnvelopeBanNodeRoundTrip(t *testing.T) {
	target := common.BanIdFromIP(net.ParseIP("192.168.1.1"))
	env := &Envelope{
		Sender: samplePeer(1),
		Body: &Request{
			Type:    ReqBanNode,
			BanNode: &BanNodeBody{Target: target},
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	req, ok := decoded.Body.(*Request)
	require.True(t, ok)
	assert.True(t, req.BanNode.Target.Equal(target))
}

func TestEnvelopePeerListResponseRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender: samplePeer(1),
		Body: &Response{
			Type:     RespPeerList,
			PeerList: &PeerListBody{Peers: []common.Peer{samplePeer(2), samplePeer(3)}},
		},
	}
	encoded := EncodeEnvelope(env)
	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	resp, ok := decoded.Body.(*Response)
	require.True(t, ok)
	assert.Equal(t, RespPeerList, resp.Type)
	assert.Len(t, resp.PeerList.Peers, 2)
}

func TestEnvelopeDecodeTruncatedFails(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)
}
