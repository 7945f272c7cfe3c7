//go:build linux

package p2p

import "golang.org/x/sys/unix"

// netpoller wraps a Linux epoll instance watching the listener's file
// descriptor for read-readiness — spec §4.4's named primary mechanism for
// the accept probe ("golang.org/x/sys/unix epoll (Linux) via a small
// internal poller abstraction"). It only ever gates whether accept()
// attempts a syscall this tick; the actual Accept() call still goes
// through the existing deadline-bounded net.Listener path, so a spurious
// or missed epoll wakeup degrades to an extra no-op tick rather than a
// correctness bug.
type netpoller struct {
	epfd int
}

func newNetpoller(fd int) (*netpoller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	return &netpoller{epfd: epfd}, nil
}

// ready blocks up to timeoutMillis waiting for the watched fd to become
// readable, returning whether it did.
func (p *netpoller) ready(timeoutMillis int) bool {
	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMillis)
	return err == nil && n > 0
}

func (p *netpoller) close() {
	_ = unix.Close(p.epfd)
}
