package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/bisgardo/concordium-node/common"
)

// ConnState mirrors the per-connection lifecycle from Connecting through
// the cryptographic and application handshakes to Established, and finally
// Closing.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateNoiseA
	StateNoiseB
	StateNoiseC
	StateAwaitingAppHandshake
	StateEstablished
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNoiseA:
		return "noise-a"
	case StateNoiseB:
		return "noise-b"
	case StateNoiseC:
		return "noise-c"
	case StateAwaitingAppHandshake:
		return "awaiting-app-handshake"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// maxFailedPackets is the per-connection packet budget from spec §4.2:
// reaching it forces closure.
const maxFailedPackets = 50

const (
	bootstrapperKeepAlive = 300 * time.Second
	nodeKeepAlive         = 1200 * time.Second
	pingIdleThreshold     = 120 * time.Second
	pingStaleThreshold    = 300 * time.Second
)

// PreHandshakePeer is what is known about the remote side before the
// application handshake completes: only its configured type and dialed (or
// accepted) address.
type PreHandshakePeer struct {
	Type    common.PeerType
	Address net.TCPAddr
}

// Connection is one peer connection's full state: the frame codec, its
// advertised networks, liveness bookkeeping and routing eligibility. The
// registry (server.go) owns Connections by value keyed on Token; every
// other reference is the Token alone, per the registry ownership note in
// DESIGN.md/SPEC_FULL.md §9.
type Connection struct {
	mu sync.Mutex

	Token        uint64
	codec        *LowLevelConn
	selfPeer     common.Peer
	selfNetworks []common.NetworkId

	remotePreHandshake PreHandshakePeer
	remotePeer         *common.Peer
	networks           map[common.NetworkId]struct{}

	appHandshakeSent bool
	appHandshakeDone bool

	lastSeen      time.Time
	lastPingSent  time.Time
	lastLatencyMs int64

	messagesSent     uint64
	messagesReceived uint64
	failedPackets    uint32

	closing bool

	knownPeersHint func() []common.Peer

	// genesisHash is advertised in this connection's own handshake;
	// acceptedGenesisHashes, when non-nil, gates the remote's advertised
	// hash at handshake time (nil means the check is skipped, the default
	// for connections that never call SetGenesisHashes, e.g. in tests).
	genesisHash           common.Hash
	acceptedGenesisHashes map[common.Hash]struct{}
	genesisMismatch       bool

	// metrics, when set, receives a MessageSent update per network-scoped
	// envelope queued for sending (envelopes with no network id are not
	// counted). nil (the default) disables counting, which every test
	// helper in this package relies on.
	metrics MetricsSink
}

// SetMetrics wires a counter sink for this connection's outbound traffic.
func (c *Connection) SetMetrics(sink MetricsSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = sink
}

// SetGenesisHashes configures the local genesis hash to advertise and the
// set of hashes accepted from the remote side. Must be called before the
// first Service() tick; the zero value (never called) and a nil accepted
// list both disable the check entirely, which test helpers rely on.
func (c *Connection) SetGenesisHashes(self common.Hash, accepted []common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genesisHash = self
	if accepted == nil {
		c.acceptedGenesisHashes = nil
		return
	}
	set := make(map[common.Hash]struct{}, len(accepted))
	for _, h := range accepted {
		set[h] = struct{}{}
	}
	c.acceptedGenesisHashes = set
}

// NewOutboundConnection wires a freshly dialed socket as an initiator and
// immediately sends the first Noise message.
func NewOutboundConnection(
	token uint64, socket net.Conn, staticKeypair noise.DHKey,
	selfPeer common.Peer, selfNetworks []common.NetworkId,
	remote PreHandshakePeer, knownPeersHint func() []common.Peer,
) (*Connection, error) {
	codec, err := NewLowLevelConn(socket, true, staticKeypair)
	if err != nil {
		return nil, err
	}
	c := newConnection(token, codec, selfPeer, selfNetworks, remote, knownPeersHint)
	if err := codec.InitiatorSendMessageA(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewInboundConnection wires a freshly accepted socket as a responder; the
// first Noise message arrives via the next Service call.
func NewInboundConnection(
	token uint64, socket net.Conn, staticKeypair noise.DHKey,
	selfPeer common.Peer, selfNetworks []common.NetworkId,
	remote PreHandshakePeer, knownPeersHint func() []common.Peer,
) (*Connection, error) {
	codec, err := NewLowLevelConn(socket, false, staticKeypair)
	if err != nil {
		return nil, err
	}
	return newConnection(token, codec, selfPeer, selfNetworks, remote, knownPeersHint), nil
}

func newConnection(
	token uint64, codec *LowLevelConn, selfPeer common.Peer, selfNetworks []common.NetworkId,
	remote PreHandshakePeer, knownPeersHint func() []common.Peer,
) *Connection {
	return &Connection{
		Token:              token,
		codec:              codec,
		selfPeer:           selfPeer,
		selfNetworks:       selfNetworks,
		remotePreHandshake: remote,
		networks:           make(map[common.NetworkId]struct{}),
		lastSeen:           time.Now(),
		knownPeersHint:     knownPeersHint,
	}
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Connection) stateLocked() ConnState {
	if c.closing {
		return StateClosing
	}
	if !c.codec.IsPostHandshake() {
		switch c.codec.HandshakeMessageCount() {
		case 0:
			return StateConnecting
		case 1:
			return StateNoiseA
		case 2:
			return StateNoiseB
		default:
			return StateNoiseC
		}
	}
	if !c.appHandshakeDone {
		return StateAwaitingAppHandshake
	}
	return StateEstablished
}

// IsClosing reports whether the connection has been marked for cleanup.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// MarkClosing flags the connection; the registry's cleanup pass observes it
// and deregisters. Per spec §4.2, closure is cooperative, never immediate.
func (c *Connection) MarkClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// Peer returns the resolved post-app-handshake identity, or nil before it
// is known.
func (c *Connection) Peer() *common.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remotePeer == nil {
		return nil
	}
	p := *c.remotePeer
	return &p
}

// Networks returns the set of networks the remote side has advertised.
func (c *Connection) Networks() []common.NetworkId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.NetworkId, 0, len(c.networks))
	for n := range c.networks {
		out = append(out, n)
	}
	return out
}

// AddNetwork records that the remote side has joined network, in response
// to a JoinNetwork request.
func (c *Connection) AddNetwork(network common.NetworkId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networks[network] = struct{}{}
}

// RemoveNetwork records that the remote side has left network, in response
// to a LeaveNetwork request.
func (c *Connection) RemoveNetwork(network common.NetworkId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.networks, network)
}

// HasNetwork reports whether the remote side advertised network.
func (c *Connection) HasNetwork(network common.NetworkId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.networks[network]
	return ok
}

// Service drains the socket's readable and writable sides once: it reads
// every currently-available frame, intercepts Noise-adjacent bookkeeping
// (the application handshake and ping/pong) locally, and returns every
// other decoded envelope for the router to classify. It never blocks for
// longer than the codec's readiness probe window.
func (c *Connection) Service() ([]*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return nil, nil
	}

	if c.codec.IsPostHandshake() && !c.appHandshakeSent {
		if err := c.sendAppHandshakeRequestLocked(); err != nil {
			c.closing = true
			return nil, err
		}
		c.appHandshakeSent = true
	}

	var delivered []*Envelope
	for {
		result, payload, err := c.codec.ReadStream()
		if err != nil {
			c.closing = true
			return delivered, err
		}
		if result != ResultComplete {
			break
		}
		c.lastSeen = time.Now()
		c.messagesReceived++

		env, decErr := DecodeEnvelope(payload)
		if decErr != nil {
			logger.Warn("dropping undecodable envelope", "token", c.Token, "err", decErr)
			c.failedPackets++
			if c.failedPackets >= maxFailedPackets {
				c.closing = true
				return delivered, decErr
			}
			continue
		}
		if !c.interceptLocked(env) {
			delivered = append(delivered, env)
		}
		if c.genesisMismatch {
			c.closing = true
			return delivered, common.NewPolicyError(errGenesisMismatch)
		}
	}

	if _, err := c.codec.FlushSocket(); err != nil {
		c.closing = true
		return delivered, err
	}
	return delivered, nil
}

// interceptLocked handles Ping/Pong and the application handshake without
// involving the router. Returns true if env was fully handled.
func (c *Connection) interceptLocked(env *Envelope) bool {
	switch body := env.Body.(type) {
	case *Request:
		switch body.Type {
		case ReqPing:
			c.sendEnvelopeLocked(&Envelope{Sender: c.selfPeer, Body: &Request{Type: ReqPong}})
			return true
		case ReqPong:
			c.lastLatencyMs = time.Since(c.lastPingSent).Milliseconds()
			return true
		case ReqHandshake:
			c.recordRemoteHandshakeLocked(body.Handshake)
			if c.genesisMismatch {
				return true
			}
			hint := c.hintLocked()
			c.sendEnvelopeLocked(&Envelope{
				Sender: c.selfPeer,
				Body: &Response{
					Type: RespHandshake,
					Handshake: &HandshakeBody{
						Peer:           c.selfPeer,
						Networks:       c.selfNetworks,
						GenesisHash:    c.genesisHash,
						KnownPeersHint: hint,
					},
				},
			})
			return true
		}
	case *Response:
		if body.Type == RespHandshake {
			c.recordRemoteHandshakeLocked(body.Handshake)
			c.appHandshakeDone = true
			return true
		}
	}
	return false
}

func (c *Connection) hintLocked() []common.Peer {
	if c.knownPeersHint == nil {
		return nil
	}
	return c.knownPeersHint()
}

func (c *Connection) recordRemoteHandshakeLocked(h *HandshakeBody) {
	if h == nil {
		return
	}
	if c.acceptedGenesisHashes != nil {
		if _, ok := c.acceptedGenesisHashes[h.GenesisHash]; !ok {
			c.genesisMismatch = true
			return
		}
	}
	peer := h.Peer
	c.remotePeer = &peer
	for _, n := range h.Networks {
		c.networks[n] = struct{}{}
	}
}

func (c *Connection) sendAppHandshakeRequestLocked() error {
	return c.sendEnvelopeLocked(&Envelope{
		Sender: c.selfPeer,
		Body: &Request{
			Type: ReqHandshake,
			Handshake: &HandshakeBody{
				Peer:        c.selfPeer,
				Networks:    c.selfNetworks,
				GenesisHash: c.genesisHash,
			},
		},
	})
}

func (c *Connection) sendEnvelopeLocked(env *Envelope) error {
	if err := c.codec.WriteToSocket(EncodeEnvelope(env)); err != nil {
		return err
	}
	c.messagesSent++
	if c.metrics != nil {
		if network, ok := envelopeNetwork(env); ok {
			c.metrics.MessageSent(uint16(network))
		}
	}
	return nil
}

// Send queues env for delivery; the caller is responsible for the
// subsequent flush, normally driven by the owning event loop's next tick.
func (c *Connection) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return common.NewStateError(errConnectionClosing)
	}
	return c.sendEnvelopeLocked(env)
}

// Flush drains any frames queued by Send outside of Service.
func (c *Connection) Flush() (TcpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.FlushSocket()
}

// CheckLiveness applies the keep-alive and ping sweep rules from spec
// §4.2. Call once per second from the node loop's periodic pass.
func (c *Connection) CheckLiveness(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}

	limit := nodeKeepAlive
	if c.remoteTypeLocked() == common.PeerTypeBootstrapper {
		limit = bootstrapperKeepAlive
	}
	if now.Sub(c.lastSeen) > limit {
		c.closing = true
		return nil
	}

	if !c.codec.IsPostHandshake() {
		return nil
	}
	idle := now.Sub(c.lastSeen)
	stale := now.Sub(c.lastPingSent)
	if idle > pingIdleThreshold || stale > pingStaleThreshold {
		c.lastPingSent = now
		return c.sendEnvelopeLocked(&Envelope{Sender: c.selfPeer, Body: &Request{Type: ReqPing}})
	}
	return nil
}

func (c *Connection) remoteTypeLocked() common.PeerType {
	if c.remotePeer != nil {
		return c.remotePeer.Type
	}
	return c.remotePreHandshake.Type
}

// Stats is a point-in-time snapshot of a connection's bookkeeping fields,
// used to answer get_peer_stats.
type Stats struct {
	Token            uint64
	Peer             *common.Peer
	LastSeen         time.Time
	LastLatencyMs    int64
	MessagesSent     uint64
	MessagesReceived uint64
	FailedPackets    uint32
	State            ConnState
}

func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var peer *common.Peer
	if c.remotePeer != nil {
		p := *c.remotePeer
		peer = &p
	}
	return Stats{
		Token:            c.Token,
		Peer:             peer,
		LastSeen:         c.lastSeen,
		LastLatencyMs:    c.lastLatencyMs,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		FailedPackets:    c.failedPackets,
		State:            c.stateLocked(),
	}
}

var errConnectionClosing = plainError("connection is closing")
var errGenesisMismatch = plainError("peer presented an unrecognized genesis hash")
