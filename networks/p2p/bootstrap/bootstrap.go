// Package bootstrap implements C6: turning a configured DNS name and/or a
// fixed list of bootstrap nodes into dialable addresses, and tracking the
// grace-period/starved state that decides when a node re-bootstraps.
// Nothing in this package sends a GetPeers request.
// Grounded on the teacher's params/bootnodes.go (a fixed candidate list
// handed to the dialer at startup) and, for the DNS resolution step itself,
// _examples/original_source/concordium-node/src/bin/cli.rs's
// get_resolvers/get_bootstrap_nodes call shape (resolve a configured name,
// fall back to the configured node list on failure).
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/log"
)

var logger = log.NewModuleLogger(log.Bootstrap)

// Config configures the bootstrap procedure: a set of explicitly configured
// peers dialed unconditionally, plus an optional DNS name whose TXT records
// are parsed as an additional address list.
type Config struct {
	ConfiguredNodes []net.TCPAddr
	DNSName         string
	DesiredNodes    int
	Networks        []common.NetworkId
}

// Resolver abstracts DNS TXT lookup so tests can substitute a fixed answer
// set instead of hitting the network.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type stdResolver struct{ r *net.Resolver }

func (s stdResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return s.r.LookupTXT(ctx, name)
}

// DefaultResolver is the stdlib-backed Resolver, used when DNSSEC
// validation is not requested.
var DefaultResolver Resolver = stdResolver{r: net.DefaultResolver}

// dnssecResolver validates TXT answers against the response's AD bit,
// querying a specific recursive resolver directly via miekg/dns rather
// than through net.Resolver (which discards DNSSEC signalling entirely).
type dnssecResolver struct {
	server string
}

// NewDNSSECResolver builds a Resolver that requires the upstream resolver
// at server (host:port) to have validated the answer (the "optionally
// DNSSEC-validated" clause of the bootstrap rule). It trusts the AD bit
// rather than re-verifying RRSIGs itself, matching a stub-resolver
// deployment where the recursive resolver is the trust anchor.
func NewDNSSECResolver(server string) Resolver {
	return dnssecResolver{server: server}
}

func (d dnssecResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.SetEdns0(4096, true)

	resp, _, err := c.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("dnssec txt lookup %s via %s: %w", name, d.server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnssec txt lookup %s: rcode %d", name, resp.Rcode)
	}
	if !resp.AuthenticatedData {
		return nil, fmt.Errorf("dnssec txt lookup %s: response not authenticated", name)
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// ResolveTCPAddr parses a host:port string into a net.TCPAddr, resolving a
// hostname to its first A/AAAA answer when the host isn't already a
// literal IP.
func ResolveTCPAddr(hostPort string) (net.TCPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return net.TCPAddr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return net.TCPAddr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return net.TCPAddr{}, fmt.Errorf("cannot resolve bootstrap host %q", host)
		}
		ip = ips[0]
	}
	return net.TCPAddr{IP: ip, Port: port}, nil
}

// ParseTXTAddresses parses one or more DNS TXT record bodies into
// addresses. Each record may hold several comma-separated host:port
// entries; unparsable entries are logged and skipped rather than failing
// the whole lookup, since one bad entry should not cost every other
// candidate in the record.
func ParseTXTAddresses(records []string) []net.TCPAddr {
	var out []net.TCPAddr
	for _, rec := range records {
		for _, field := range strings.Split(rec, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			addr, err := ResolveTCPAddr(field)
			if err != nil {
				logger.Warn("skipping unparsable bootstrap address", "value", field, "err", err)
				continue
			}
			out = append(out, addr)
		}
	}
	return out
}

// Seeds returns the full bootstrap candidate address list: configured
// nodes first, then (if cfg.DNSName is set) every address parsed out of
// the name's TXT records via resolver. A DNS failure is logged and
// swallowed rather than propagated — the configured nodes alone are still
// a usable seed set, matching cli.rs falling back to conf.connect_to when
// DNS bootstrap is unavailable.
func Seeds(ctx context.Context, cfg Config, resolver Resolver) []net.TCPAddr {
	seeds := append([]net.TCPAddr(nil), cfg.ConfiguredNodes...)
	if cfg.DNSName == "" {
		return seeds
	}
	records, err := resolver.LookupTXT(ctx, cfg.DNSName)
	if err != nil {
		logger.Warn("bootstrap dns lookup failed, continuing with configured nodes only", "name", cfg.DNSName, "err", err)
		return seeds
	}
	return append(seeds, ParseTXTAddresses(records)...)
}

// Loop tracks whether, after a grace period, the count of connected Node
// peers is still under desired_nodes. It owns no sockets and sends
// nothing: its caller consults Starved/Due/Bootstrappers/Networks and
// makes the actual dial/Send calls.
type Loop struct {
	mu            sync.Mutex
	desiredNodes  int
	networks      []common.NetworkId
	bootstrappers []net.TCPAddr
	grace         time.Duration
	startedAt     time.Time
}

// defaultGrace is the pause after startup before the first re-bootstrap
// check, giving the initial connect attempts from Bootstrappers() time to
// complete their handshakes before being judged "starved".
const defaultGrace = 5 * time.Second

// NewLoop builds a convergence Loop for the given candidate bootstrapper
// addresses.
func NewLoop(desiredNodes int, networks []common.NetworkId, bootstrappers []net.TCPAddr) *Loop {
	return &Loop{
		desiredNodes:  desiredNodes,
		networks:      append([]common.NetworkId(nil), networks...),
		bootstrappers: append([]net.TCPAddr(nil), bootstrappers...),
		grace:         defaultGrace,
		startedAt:     time.Now(),
	}
}

// Due reports whether the startup grace period has elapsed.
func (l *Loop) Due() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.startedAt) >= l.grace
}

// Starved reports whether nodeCount (the registry's current count of
// Node-type peers) is below the configured target.
func (l *Loop) Starved(nodeCount int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return nodeCount < l.desiredNodes
}

// Bootstrappers returns the candidate bootstrapper addresses this loop was
// built with.
func (l *Loop) Bootstrappers() []net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]net.TCPAddr(nil), l.bootstrappers...)
}

// Networks returns the networks GetPeers requests should ask for.
func (l *Loop) Networks() []common.NetworkId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.NetworkId(nil), l.networks...)
}

// FilterUnknownPeers narrows a PeerList reply down to the peers worth
// attempting a connect to: self is never a candidate, and alreadyKnown
// (typically the registry's "do we already have a connection to this
// identity/address" check) removes everything already connected or
// already attempted, matching scenario 4's "attempt connects to all three"
// without redialing a peer we're already talking to.
func FilterUnknownPeers(peers []common.Peer, self common.Peer, alreadyKnown func(common.Peer) bool) []common.Peer {
	var out []common.Peer
	for _, p := range peers {
		if p.Equal(self) {
			continue
		}
		if alreadyKnown != nil && alreadyKnown(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
