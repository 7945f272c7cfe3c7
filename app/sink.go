// Package app is the thin edge between the P2P core and the opaque
// "application plane" (consensus/baker logic) spec.md §1 places out of
// scope: the core only ever talks to it through the narrow interface
// below. Grounded on concordium-node's tls_server.rs/MessageHandler split
// (see SPEC_FULL.md §6) and expressed as ordinarily as the teacher expresses
// a sink interface — a single method, no generics.
package app

import (
	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/log"
	"github.com/bisgardo/concordium-node/networks/p2p/router"
)

var logger = log.NewModuleLogger(log.Node)

// Plane is the opaque sink the core hands decrypted, deduplicated packets
// to. Consensus/baker logic lives entirely behind this interface; nothing
// in networks/p2p or networks/p2p/router imports this package.
type Plane interface {
	Deliver(network common.NetworkId, from common.NodeId, payload []byte)
}

// LoggingPlane is the stand-in Plane used when no real consensus layer is
// wired in: it just logs what it received. Fine as the default for a
// node run purely to exercise the P2P core.
type LoggingPlane struct{}

func (LoggingPlane) Deliver(network common.NetworkId, from common.NodeId, payload []byte) {
	logger.Debug("delivered payload to application plane", "network", network, "from", from, "len", len(payload))
}

// Drain reads deliveries off ch and forwards each to plane until ch is
// closed. Run in its own goroutine by the caller; the one consumer
// goroutine the concurrency model (SPEC_FULL.md §5) describes draining
// decrypted payloads to the application plane.
func Drain(ch <-chan router.Delivery, plane Plane) {
	for d := range ch {
		plane.Deliver(d.Network, d.From, d.Payload)
	}
}
