// Package router implements C5: classification of decrypted envelopes into
// Request/Response/Packet, Direct/Broadcast routing with gossip
// deduplication, Retransmit replay, ban propagation and peer-list replies.
// Grounded on
// _examples/original_source/concordium-node/src/network/packet.rs's
// Direct/Broadcast routing split and the teacher's node/cn/handler.go
// dispatch-by-message-type style.
package router

import (
	"time"

	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/log"
	"github.com/bisgardo/concordium-node/networks/p2p"
	"github.com/bisgardo/concordium-node/networks/p2p/banlist"
	"github.com/bisgardo/concordium-node/networks/p2p/dedup"
	"github.com/bisgardo/concordium-node/networks/p2p/discover"
)

var logger = log.NewModuleLogger(log.Router)

// peerListReplyCap bounds how many peers a single GetPeers reply carries
// per requested network.
const peerListReplyCap = discover.DefaultCapacity

// Registry is the slice of the connection registry the router needs:
// enumerate live connections and look one up by the identity it resolved
// at the application handshake. Implemented by the node event loop's
// connection table (server.go).
type Registry interface {
	Connections() []*p2p.Connection
	ByPeerId(id common.NodeId) (*p2p.Connection, bool)
	CloseMatching(target common.BanId)
}

// Delivery is one payload handed to the application plane: the network it
// arrived on, who it came from, and the opaque bytes.
type Delivery struct {
	Network common.NetworkId
	From    common.NodeId
	Payload []byte
}

// Router ties the registry, the persisted banlist, the bucket table and
// the dedup queues together and turns decoded envelopes into the routing
// rules from spec §4.5.
type Router struct {
	self          common.Peer
	trustPeerBans bool

	registry Registry
	buckets  *discover.Buckets
	bans     *banlist.Store
	dedup    *dedup.Queues

	deliveries chan<- Delivery
	onPeerList func(peers []common.Peer)
}

// New builds a Router. deliveries is the bounded application-plane queue;
// the router never blocks on it for long (callers should size it
// generously, matching the "one additional thread consumes decrypted
// payloads from a bounded queue" scheduling note).
func New(self common.Peer, trustPeerBans bool, registry Registry, buckets *discover.Buckets, bans *banlist.Store, dq *dedup.Queues, deliveries chan<- Delivery) *Router {
	return &Router{
		self:          self,
		trustPeerBans: trustPeerBans,
		registry:      registry,
		buckets:       buckets,
		bans:          bans,
		dedup:         dq,
		deliveries:    deliveries,
	}
}

// HandleEnvelope classifies and dispatches one envelope delivered by a
// Connection's Service call (i.e. everything the connection FSM did not
// already absorb transparently: Ping/Pong and the application handshake
// never reach here).
func (r *Router) HandleEnvelope(from *p2p.Connection, env *p2p.Envelope) error {
	switch body := env.Body.(type) {
	case *p2p.Request:
		return r.handleRequest(from, body)
	case *p2p.Response:
		return r.handleResponse(from, body)
	case *p2p.Packet:
		return r.handlePacket(env.Sender, body)
	default:
		logger.Warn("envelope with unrecognized body reached router")
		return nil
	}
}

func (r *Router) handleRequest(from *p2p.Connection, req *p2p.Request) error {
	switch req.Type {
	case p2p.ReqGetPeers:
		return r.handleGetPeers(from, req.GetPeers)
	case p2p.ReqBanNode:
		return r.handleBanNodeRequest(from, req.BanNode)
	case p2p.ReqUnbanNode:
		return r.handleUnbanNodeRequest(req.UnbanNode)
	case p2p.ReqJoinNetwork:
		return r.handleJoinNetwork(from, req.JoinNetwork)
	case p2p.ReqLeaveNetwork:
		return r.handleLeaveNetwork(from, req.LeaveNetwork)
	case p2p.ReqRetransmit:
		return r.handleRetransmit(from, req.Retransmit)
	default:
		logger.Warn("request with unexpected type reached router", "type", req.Type)
		return nil
	}
}

func (r *Router) handleResponse(from *p2p.Connection, resp *p2p.Response) error {
	switch resp.Type {
	case p2p.RespPeerList:
		r.handlePeerList(resp.PeerList)
		return nil
	default:
		logger.Warn("response with unexpected type reached router", "type", resp.Type)
		return nil
	}
}

func (r *Router) handleGetPeers(from *p2p.Connection, body *p2p.GetPeersBody) error {
	seen := make(map[common.NodeId]struct{})
	var peers []common.Peer
	for _, network := range body.Networks {
		for _, p := range r.buckets.GetRandom(network, seen, peerListReplyCap) {
			seen[p.Id] = struct{}{}
			peers = append(peers, p)
		}
	}
	return from.Send(&p2p.Envelope{
		Sender: r.self,
		Body: &p2p.Response{
			Type:     p2p.RespPeerList,
			PeerList: &p2p.PeerListBody{Peers: peers},
		},
	})
}

// handlePeerList hands a PeerList reply to the bootstrap convergence loop
// (spec §4.5's "Bootstrap" paragraph: replies trigger further outbound
// connects until desired_nodes is met). The router itself cannot place
// these candidates into buckets since PeerListBody carries addresses only,
// not the networks each candidate advertises — that is learned once the
// bootstrap loop actually dials one and completes its app handshake.
func (r *Router) handlePeerList(body *p2p.PeerListBody) {
	if body == nil || r.onPeerList == nil {
		return
	}
	r.onPeerList(body.Peers)
}

// OnPeerList registers the callback invoked whenever a PeerList response
// arrives, used by the bootstrap package to drive convergence toward
// desired_nodes.
func (r *Router) OnPeerList(fn func(peers []common.Peer)) {
	r.onPeerList = fn
}

func (r *Router) handleJoinNetwork(from *p2p.Connection, body *p2p.NetworkBody) error {
	from.AddNetwork(body.Network)
	if peer := from.Peer(); peer != nil {
		r.buckets.Insert(body.Network, *peer)
	}
	return nil
}

func (r *Router) handleLeaveNetwork(from *p2p.Connection, body *p2p.NetworkBody) error {
	from.RemoveNetwork(body.Network)
	if peer := from.Peer(); peer != nil {
		r.buckets.Remove(body.Network, *peer, false)
	}
	return nil
}

func (r *Router) handleRetransmit(from *p2p.Connection, body *p2p.RetransmitBody) error {
	elem, ok := toDedupElementType(body.ElementType)
	if !ok {
		logger.Error("retransmit request for unknown element type", "type", body.ElementType)
		return nil
	}
	since := time.UnixMilli(int64(body.SinceTs))
	entries, err := r.dedup.SeenSince(elem, since)
	if err != nil {
		logger.Error("retransmit lookup failed", "err", err)
		return nil
	}
	peer := from.Peer()
	if peer == nil {
		return nil
	}
	for _, e := range entries {
		if e.Network != body.Network {
			continue
		}
		pkt := &p2p.Packet{
			Kind:        p2p.PacketDirect,
			RecipientId: peer.Id,
			Network:     e.Network,
			Payload:     e.Payload,
		}
		if err := from.Send(&p2p.Envelope{Sender: r.self, Body: pkt}); err != nil {
			return err
		}
	}
	return nil
}

func toDedupElementType(t p2p.ElementType) (dedup.ElementType, bool) {
	switch t {
	case p2p.ElementBlock:
		return dedup.ElementBlock, true
	case p2p.ElementFinalizationRecord:
		return dedup.ElementFinalizationRecord, true
	case p2p.ElementTransaction:
		return dedup.ElementTransaction, true
	default:
		return 0, false
	}
}

func (r *Router) handlePacket(sender common.Peer, pkt *p2p.Packet) error {
	switch pkt.Kind {
	case p2p.PacketDirect:
		return r.handleDirect(sender, pkt)
	case p2p.PacketBroadcast:
		return r.handleBroadcast(sender, pkt)
	default:
		logger.Warn("packet with unexpected kind reached router", "kind", pkt.Kind)
		return nil
	}
}

func (r *Router) handleDirect(sender common.Peer, pkt *p2p.Packet) error {
	if pkt.RecipientId == r.self.Id {
		r.deliver(pkt.Network, sender.Id, pkt.Payload)
		return nil
	}
	conn, ok := r.registry.ByPeerId(pkt.RecipientId)
	if !ok {
		logger.Debug("dropping direct packet for unknown recipient", "recipient", pkt.RecipientId)
		return nil
	}
	if !conn.HasNetwork(pkt.Network) {
		logger.Debug("dropping direct packet: recipient not on network", "recipient", pkt.RecipientId, "network", pkt.Network)
		return nil
	}
	return conn.Send(&p2p.Envelope{Sender: sender, Body: pkt})
}

func (r *Router) handleBroadcast(sender common.Peer, pkt *p2p.Packet) error {
	fp := dedup.Fingerprint(pkt.Network, pkt.Payload)
	if r.dedup.SeenOrRecordGossip(fp) {
		return nil
	}

	r.deliver(pkt.Network, sender.Id, pkt.Payload)

	excluded := make(map[common.NodeId]struct{}, len(pkt.ExcludedIds)+1)
	for _, id := range pkt.ExcludedIds {
		excluded[id] = struct{}{}
	}
	excluded[r.self.Id] = struct{}{}

	nextExcluded := append(append([]common.NodeId(nil), pkt.ExcludedIds...), r.self.Id)

	for _, conn := range r.registry.Connections() {
		peer := conn.Peer()
		if peer == nil {
			continue
		}
		if _, skip := excluded[peer.Id]; skip {
			continue
		}
		if !conn.HasNetwork(pkt.Network) {
			continue
		}
		fwd := &p2p.Packet{
			Kind:        p2p.PacketBroadcast,
			ExcludedIds: nextExcluded,
			Network:     pkt.Network,
			Payload:     pkt.Payload,
		}
		if err := conn.Send(&p2p.Envelope{Sender: sender, Body: fwd}); err != nil {
			logger.Warn("broadcast fanout send failed", "to", peer.Id, "err", err)
		}
	}
	return nil
}

func (r *Router) deliver(network common.NetworkId, from common.NodeId, payload []byte) {
	select {
	case r.deliveries <- Delivery{Network: network, From: from, Payload: payload}:
	default:
		logger.Warn("application-plane delivery queue full, dropping payload", "network", network, "from", from)
	}
}

// Broadcast is the application plane's entry point for originating gossip:
// it records the payload under its true element type (for Retransmit),
// suppresses the same fingerprint in the generic gossip queue, and fans it
// out to every connection on network.
func (r *Router) Broadcast(elem dedup.ElementType, network common.NetworkId, payload []byte) {
	fp := r.dedup.RecordLocalBroadcast(elem, network, payload)
	r.dedup.SeenOrRecordGossip(fp)

	pkt := &p2p.Packet{
		Kind:        p2p.PacketBroadcast,
		ExcludedIds: []common.NodeId{r.self.Id},
		Network:     network,
		Payload:     payload,
	}
	for _, conn := range r.registry.Connections() {
		if !conn.HasNetwork(network) {
			continue
		}
		if err := conn.Send(&p2p.Envelope{Sender: r.self, Body: pkt}); err != nil {
			logger.Warn("local broadcast send failed", "err", err)
		}
	}
}

// Ban applies id to the persisted banlist, forces closure of every
// matching connection, and — if the node trusts its own bans enough to
// propagate them — re-emits a BanNode request to every other connection.
// Mirrors bans.rs's ban() contract.
func (r *Router) Ban(id common.BanId) error {
	if err := r.applyBanLocally(id); err != nil {
		return err
	}
	if r.trustPeerBans {
		r.rebroadcastBan(id, nil)
	}
	return nil
}

// Unban removes id from the persisted banlist.
func (r *Router) Unban(id common.BanId) error {
	return r.bans.Unban(id)
}

// IsBanned performs a single banlist lookup.
func (r *Router) IsBanned(id common.BanId) (bool, error) {
	return r.bans.IsBanned(id)
}

func (r *Router) handleBanNodeRequest(from *p2p.Connection, body *p2p.BanNodeBody) error {
	if !r.trustPeerBans {
		logger.Debug("ignoring ban-node request: peer bans not trusted")
		return nil
	}
	if err := r.applyBanLocally(body.Target); err != nil {
		return err
	}
	r.rebroadcastBan(body.Target, from)
	return nil
}

func (r *Router) handleUnbanNodeRequest(body *p2p.BanNodeBody) error {
	if !r.trustPeerBans {
		return nil
	}
	return r.bans.Unban(body.Target)
}

func (r *Router) applyBanLocally(id common.BanId) error {
	if err := r.bans.Ban(id); err != nil {
		return err
	}
	r.registry.CloseMatching(id)
	return nil
}

func (r *Router) rebroadcastBan(id common.BanId, exclude *p2p.Connection) {
	req := &p2p.Envelope{
		Sender: r.self,
		Body:   &p2p.Request{Type: p2p.ReqBanNode, BanNode: &p2p.BanNodeBody{Target: id}},
	}
	for _, conn := range r.registry.Connections() {
		if exclude != nil && conn.Token == exclude.Token {
			continue
		}
		if err := conn.Send(req); err != nil {
			logger.Warn("ban propagation send failed", "err", err)
		}
	}
}
