package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/bisgardo/concordium-node/common"
)

// Poller token space (spec §4.4): 0 and 1 are reserved, connection tokens
// are allocated from 2 upward.
const firstConnToken uint64 = 2

// acceptPollWindow bounds how long Accept is allowed to block the single
// event-loop goroutine while probing the listener for a pending
// connection — the same deadline-probing trick codec.go uses for socket
// reads, applied here to the listener itself.
const acceptPollWindow = 1 * time.Millisecond

// sweepInterval is how often the loop runs its liveness, unreachable-set
// cleanup and closing-connection removal passes (spec: "once per second").
const sweepInterval = 1 * time.Second

// Config collects the fixed parameters a Server is built with.
type Config struct {
	Self            common.Peer
	SelfNetworks    []common.NetworkId
	StaticKeypair   noise.DHKey
	MaxAllowedNodes int
	// GenesisHash is advertised in this node's application handshake.
	GenesisHash common.Hash
	// AcceptedGenesisHashes gates which genesis hashes a remote peer may
	// present; nil disables the check (all peers accepted regardless of
	// chain identity — used by tests that don't care about this gate).
	AcceptedGenesisHashes []common.Hash
}

// EnvelopeHandler classifies and dispatches one envelope a Connection
// surfaced from Service(); set to router.Router.HandleEnvelope by the code
// wiring a Server and a Router together. Kept as a plain function value
// rather than an imported interface so this package never depends on the
// router package (which imports p2p), avoiding an import cycle.
type EnvelopeHandler func(from *Connection, env *Envelope) error

// MetricsSink is the capability interface the event loop emits
// sent/received/dropped counter updates through (spec §1: "the core emits
// counter updates through a capability interface"; telemetry collectors
// themselves are out of scope for the core). metrics.Prometheus satisfies
// this by method set alone; the p2p package never imports metrics.
type MetricsSink interface {
	MessageSent(network uint16)
	MessageReceived(network uint16)
	MessageDropped(network uint16, reason string)
}

// envelopeNetwork extracts the network id an envelope is scoped to, when it
// carries one; Request/Response subtypes other than the network-scoped
// ones don't name a single network, so callers skip the counter update.
func envelopeNetwork(env *Envelope) (common.NetworkId, bool) {
	switch body := env.Body.(type) {
	case *Packet:
		return body.Network, true
	case *Request:
		switch body.Type {
		case ReqGetPeers:
			if body.GetPeers != nil && len(body.GetPeers.Networks) > 0 {
				return body.GetPeers.Networks[0], true
			}
		case ReqJoinNetwork:
			if body.JoinNetwork != nil {
				return body.JoinNetwork.Network, true
			}
		case ReqLeaveNetwork:
			if body.LeaveNetwork != nil {
				return body.LeaveNetwork.Network, true
			}
		}
	}
	return 0, false
}

// Server is the single-threaded node event loop (C4). One goroutine (Run)
// owns the listener and every registered Connection; it is the only
// goroutine that performs socket I/O. Other goroutines (application-plane
// broadcasts, outbound sends) only mutate the registry under mu and never
// perform I/O while holding it, per spec's concurrency model.
type Server struct {
	cfg Config

	mu        sync.RWMutex
	listener  *net.TCPListener
	conns     map[uint64]*Connection
	byId      map[common.NodeId]uint64
	byAddr    map[string]uint64
	nextToken uint64

	unreachable *UnreachableSet
	poller      *netpoller

	// IsBanned checks the persisted ban store; wired to router.Router.IsBanned
	// or directly to banlist.Store.IsBanned by the caller.
	IsBanned func(id common.BanId) (bool, error)
	// Handle dispatches one decrypted, post-handshake envelope; wired to
	// router.Router.HandleEnvelope.
	Handle EnvelopeHandler
	// OnEstablished is invoked once, the first time a connection's
	// application handshake completes (i.e. it becomes routable and
	// eligible for Buckets per spec §4.2); wired to insert the peer into
	// the bucket table.
	OnEstablished func(conn *Connection)
	// OnClosed is invoked once a connection is finally removed from the
	// registry by the cleanup pass; wired to remove the peer from Buckets.
	OnClosed func(conn *Connection)
	// Metrics receives sent/received/dropped counter updates, when set.
	// Wired to a *metrics.Prometheus by the caller; nil disables counting.
	Metrics MetricsSink

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewServer builds a Server bound to listenAddr. The listener is opened
// immediately so startup failures (spec's "Fatal: listener bind failure")
// surface before Run is ever called.
func NewServer(cfg Config, listenAddr net.TCPAddr) (*Server, error) {
	ln, err := net.ListenTCP("tcp", &listenAddr)
	if err != nil {
		return nil, common.NewFatalError(err)
	}
	return &Server{
		cfg:         cfg,
		listener:    ln,
		conns:       make(map[uint64]*Connection),
		byId:        make(map[common.NodeId]uint64),
		byAddr:      make(map[string]uint64),
		nextToken:   firstConnToken,
		unreachable: NewUnreachableSet(),
		poller:      listenerPoller(ln),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// listenerPoller extracts the listener's raw file descriptor via
// SyscallConn (which, unlike TCPListener.File, never dup's the fd or
// forces it into blocking mode) and arms a netpoller on it. A failure to
// do so degrades to the always-ready portable poller rather than failing
// NewServer outright — the deadline-based Accept probe alone is still
// correct, just without the epoll fast path.
func listenerPoller(ln *net.TCPListener) *netpoller {
	sc, err := ln.SyscallConn()
	if err != nil {
		p, _ := newNetpoller(-1)
		return p
	}
	var poller *netpoller
	ctrlErr := sc.Control(func(fd uintptr) {
		var innerErr error
		poller, innerErr = newNetpoller(int(fd))
		if innerErr != nil {
			poller = nil
		}
	})
	if ctrlErr != nil || poller == nil {
		p, _ := newNetpoller(-1)
		return p
	}
	return poller
}

// Addr returns the bound listen address (useful when port 0 was requested).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// --- router.Registry implementation ---------------------------------------

// Connections returns a snapshot of every registered connection.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ByPeerId looks up the connection currently registered for id, if any.
func (s *Server) ByPeerId(id common.NodeId) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.byId[id]
	if !ok {
		return nil, false
	}
	return s.conns[token], true
}

// CloseMatching marks every connection whose resolved peer matches target
// as closing; the next cleanup pass removes them. Implements spec §4.3's
// ban interface requirement that "existing connections matching x are
// closing before ban returns".
func (s *Server) CloseMatching(target common.BanId) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		p := c.Peer()
		if p == nil {
			continue
		}
		if matchesBan(*p, target) {
			c.MarkClosing()
		}
	}
}

func matchesBan(p common.Peer, target common.BanId) bool {
	switch target.Kind {
	case common.BanKindNodeId:
		return p.Id == target.NodeId
	case common.BanKindIp:
		return p.Address.IP.Equal(target.IP)
	default:
		return false
	}
}

// --- admission control -----------------------------------------------------

// nodePeerCountLocked counts established connections whose resolved peer
// is Node-typed; Bootstrapper-type connections never count against the
// capacity limit (spec Property 6).
func (s *Server) nodePeerCountLocked() int {
	n := 0
	for _, c := range s.conns {
		if p := c.Peer(); p != nil && p.Type == common.PeerTypeNode {
			n++
		}
	}
	return n
}

// admitAccept applies the strict accept-time ordering from spec §4.4:
// banlist, then capacity (only when this node's own type is Node — a
// Bootstrapper-mode server accepts unboundedly many peers to serve
// peer-list lookups), skipping the unreachable check entirely (accept
// never consults it). Because a connection's advertised PeerType isn't
// known until its application handshake completes, the capacity gate here
// is a coarse, cheap early rejection against the *current* Node-typed
// connection count; checkCapacityPostHandshake re-validates the invariant
// once the new connection's real type is known.
func (s *Server) admitAccept(remoteAddr net.TCPAddr) error {
	id := common.BanIdFromIP(remoteAddr.IP)
	if s.IsBanned != nil {
		banned, err := s.IsBanned(id)
		if err != nil {
			return common.NewStateError(err)
		}
		if banned {
			return common.ErrBanned
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Self.Type == common.PeerTypeNode && s.nodePeerCountLocked() >= s.cfg.MaxAllowedNodes {
		return common.ErrCapacityReached
	}
	return nil
}

// checkCapacityPostHandshake closes conn if, now that its advertised type
// is known, keeping it would push the Node-typed connection count over the
// configured cap — restoring Property 6's invariant for the case where the
// accept-time coarse gate let it through.
func (s *Server) checkCapacityPostHandshake(conn *Connection) {
	p := conn.Peer()
	if p == nil || p.Type != common.PeerTypeNode {
		return
	}
	s.mu.RLock()
	over := s.nodePeerCountLocked() > s.cfg.MaxAllowedNodes
	s.mu.RUnlock()
	if over {
		conn.MarkClosing()
	}
}

// Connect implements spec §4.4's connect() capability: refuses self-address
// match, an already-connected id, an already-connected (ip,port), a marked
// unreachable address, or capacity, then registers a new initiator-role
// connection and enqueues the first Noise message.
func (s *Server) Connect(remoteType common.PeerType, addr net.TCPAddr, expectedId *common.NodeId) error {
	if addr.IP.Equal(s.cfg.Self.Address.IP) && addr.Port == s.cfg.Self.Address.Port {
		return common.ErrSelfConnect
	}

	s.mu.Lock()
	if expectedId != nil {
		if _, ok := s.byId[*expectedId]; ok {
			s.mu.Unlock()
			return common.ErrDuplicatePeer
		}
	}
	if _, ok := s.byAddr[addr.String()]; ok {
		s.mu.Unlock()
		return common.ErrDuplicatePeer
	}
	if s.unreachable.Contains(addr) {
		s.mu.Unlock()
		return common.ErrUnreachable
	}
	if remoteType == common.PeerTypeNode && s.nodePeerCountLocked() >= s.cfg.MaxAllowedNodes {
		s.mu.Unlock()
		return common.ErrCapacityReached
	}
	s.mu.Unlock()

	socket, err := net.DialTCP("tcp", nil, &addr)
	if err != nil {
		s.unreachable.Mark(addr, time.Now())
		return common.NewTransportError(err)
	}

	token := s.allocateToken()
	conn, err := NewOutboundConnection(token, socket, s.cfg.StaticKeypair, s.cfg.Self, s.cfg.SelfNetworks,
		PreHandshakePeer{Type: remoteType, Address: addr}, s.knownPeersHint)
	if err != nil {
		socket.Close()
		return err
	}
	conn.SetGenesisHashes(s.cfg.GenesisHash, s.cfg.AcceptedGenesisHashes)
	if s.Metrics != nil {
		conn.SetMetrics(s.Metrics)
	}

	s.mu.Lock()
	s.conns[token] = conn
	s.byAddr[addr.String()] = token
	s.mu.Unlock()
	return nil
}

// accept probes the listener once without blocking the loop for longer
// than acceptPollWindow, mirroring the codec's deadline-based readiness
// trick for the socket side.
func (s *Server) accept() {
	if !s.poller.ready(int(acceptPollWindow / time.Millisecond)) {
		return
	}
	if err := s.listener.SetDeadline(time.Now().Add(acceptPollWindow)); err != nil {
		return
	}
	socket, err := s.listener.Accept()
	if err != nil {
		return // timeout (would-block) or transient accept error; try again next tick
	}

	remoteAddr, ok := socket.RemoteAddr().(*net.TCPAddr)
	if !ok {
		socket.Close()
		return
	}
	if err := s.admitAccept(*remoteAddr); err != nil {
		socket.Close()
		return
	}

	token := s.allocateToken()
	conn, err := NewInboundConnection(token, socket, s.cfg.StaticKeypair, s.cfg.Self, s.cfg.SelfNetworks,
		PreHandshakePeer{Type: common.PeerTypeNode, Address: *remoteAddr}, s.knownPeersHint)
	if err != nil {
		socket.Close()
		return
	}
	conn.SetGenesisHashes(s.cfg.GenesisHash, s.cfg.AcceptedGenesisHashes)
	if s.Metrics != nil {
		conn.SetMetrics(s.Metrics)
	}

	s.mu.Lock()
	s.conns[token] = conn
	s.byAddr[remoteAddr.String()] = token
	s.mu.Unlock()
}

func (s *Server) allocateToken() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.nextToken
	s.nextToken++
	return t
}

func (s *Server) knownPeersHint() []common.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hint := make([]common.Peer, 0, len(s.conns))
	for _, c := range s.conns {
		if p := c.Peer(); p != nil {
			hint = append(hint, *p)
		}
	}
	return hint
}

// --- event loop --------------------------------------------------------

// Run drives the event loop until Stop is called. It is intended to be
// the only goroutine performing socket I/O for this Server; callers invoke
// it via `go server.Run()`.
func (s *Server) Run() {
	defer close(s.doneCh)
	lastSweep := time.Now()
	for {
		select {
		case <-s.stopCh:
			s.shutdown()
			return
		default:
		}

		s.accept()
		s.serviceConnections()

		if now := time.Now(); now.Sub(lastSweep) >= sweepInterval {
			s.sweep(now)
			lastSweep = now
		}
	}
}

// serviceConnections drives one non-blocking Service() tick on every
// registered connection, dispatching delivered envelopes and dropping
// connections that error out or that the FSM has marked closing.
func (s *Server) serviceConnections() {
	for _, conn := range s.Connections() {
		wasEstablished := conn.State() == StateEstablished
		delivered, err := conn.Service()
		if err != nil {
			logger.Warn("closing connection after error", "token", conn.Token, "err", err)
			s.removeConnection(conn)
			continue
		}
		for _, env := range delivered {
			if s.Metrics != nil {
				if network, ok := envelopeNetwork(env); ok {
					s.Metrics.MessageReceived(uint16(network))
				}
			}
			if s.Handle != nil {
				if herr := s.Handle(conn, env); herr != nil {
					// Connection-scoped errors close the connection; anything
					// else is the application plane's problem, not the loop's.
					if common.IsKind(herr, common.KindProtocol) || common.IsKind(herr, common.KindCrypto) {
						logger.Warn("closing connection after handler error", "token", conn.Token, "err", herr)
						conn.MarkClosing()
					}
					if s.Metrics != nil {
						if network, ok := envelopeNetwork(env); ok {
							s.Metrics.MessageDropped(uint16(network), herr.Error())
						}
					}
				}
			}
		}
		if !wasEstablished && conn.State() == StateEstablished {
			s.registerEstablishedId(conn)
			s.checkCapacityPostHandshake(conn)
			if s.OnEstablished != nil {
				s.OnEstablished(conn)
			}
		}
		if _, err := conn.Flush(); err != nil {
			logger.Warn("closing connection after flush error", "token", conn.Token, "err", err)
			s.removeConnection(conn)
			continue
		}
		if conn.IsClosing() {
			s.removeConnection(conn)
		}
	}
}

func (s *Server) removeConnection(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn.Token)
	if p := conn.Peer(); p != nil {
		if tok, ok := s.byId[p.Id]; ok && tok == conn.Token {
			delete(s.byId, p.Id)
		}
	}
	for addr, tok := range s.byAddr {
		if tok == conn.Token {
			delete(s.byAddr, addr)
			break
		}
	}
	s.mu.Unlock()

	if s.OnClosed != nil {
		s.OnClosed(conn)
	}
}

// registerEstablishedId is called once a connection's application
// handshake resolves its Peer identity, so subsequent ByPeerId lookups
// (forwarding, retransmit) work; per the data model's uniqueness invariant,
// a colliding id closes the newer connection rather than overwriting the
// registry entry.
func (s *Server) registerEstablishedId(conn *Connection) {
	p := conn.Peer()
	if p == nil {
		return
	}
	s.mu.Lock()
	existing, collides := s.byId[p.Id]
	if !collides || existing == conn.Token {
		s.byId[p.Id] = conn.Token
	}
	s.mu.Unlock()
	if collides && existing != conn.Token {
		conn.MarkClosing()
	}
}

// sweep runs the once-per-second liveness, cleanup and unreachable-expiry
// passes.
func (s *Server) sweep(now time.Time) {
	s.unreachable.Cleanup(now.Add(-unreachableExpiry))
	for _, conn := range s.Connections() {
		if err := conn.CheckLiveness(now); err != nil {
			conn.MarkClosing()
		}
		if _, err := conn.Flush(); err != nil {
			conn.MarkClosing()
		}
		if conn.IsClosing() {
			s.removeConnection(conn)
		}
	}
}

func (s *Server) shutdown() {
	for _, conn := range s.Connections() {
		conn.MarkClosing()
		s.removeConnection(conn)
	}
	s.poller.close()
	s.listener.Close()
}

// Stop signals Run to exit after draining the current tick, and blocks
// until it has.
func (s *Server) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Stats snapshots every registered connection's observability fields.
func (s *Server) Stats() []Stats {
	conns := s.Connections()
	out := make([]Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	return out
}

// PeerCount returns the current Node-typed established connection count,
// the quantity Property 6 bounds and the bootstrap loop's Starved() check
// consumes.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodePeerCountLocked()
}

// KnownAddress reports whether addr already has a registered connection,
// used by bootstrap.FilterUnknownPeers' alreadyKnown predicate.
func (s *Server) KnownAddress(addr net.TCPAddr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddr[addr.String()]
	return ok
}

// KnownPeer reports whether id already has a registered connection.
func (s *Server) KnownPeer(id common.NodeId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byId[id]
	return ok
}

func (s *Server) String() string {
	return fmt.Sprintf("server(%s)", s.cfg.Self)
}
