//go:build !linux

package p2p

// netpoller is the portable fallback for GOOS without an epoll binding:
// it always reports the listener ready, so accept() falls back entirely
// to its existing deadline-bounded net.Listener probe — a deliberate
// simplification over the goroutine-per-connection readiness channel
// spec §4.4 sketches as the portable alternative, recorded in
// DESIGN.md's Open Questions.
type netpoller struct{}

func newNetpoller(fd int) (*netpoller, error) { return &netpoller{}, nil }

func (p *netpoller) ready(timeoutMillis int) bool { return true }

func (p *netpoller) close() {}
