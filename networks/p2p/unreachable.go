package p2p

import (
	"net"
	"sync"
	"time"
)

// unreachableExpiry is how long a marked address is refused on the
// outbound connect path before it's given another chance.
const unreachableExpiry = 24 * time.Hour

// UnreachableSet is the insertion-ordered (address, timestamp) set from
// spec §3: connect attempts against a recently-failed address are refused
// without the cost of a new dial, but the accept path never consults it
// (an address that can't be dialed from here might still dial in).
type UnreachableSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	order   []string
}

// NewUnreachableSet builds an empty set.
func NewUnreachableSet() *UnreachableSet {
	return &UnreachableSet{entries: make(map[string]time.Time)}
}

func addrKey(addr net.TCPAddr) string {
	return addr.String()
}

// Mark records addr as unreachable as of now.
func (u *UnreachableSet) Mark(addr net.TCPAddr, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := addrKey(addr)
	if _, exists := u.entries[key]; !exists {
		u.order = append(u.order, key)
	}
	u.entries[key] = now
}

// Contains reports whether addr is currently marked unreachable.
func (u *UnreachableSet) Contains(addr net.TCPAddr) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.entries[addrKey(addr)]
	return ok
}

// Cleanup drops every entry marked before cutoff (i.e. older than the 24 h
// expiry relative to the caller's "now"), preserving insertion order among
// survivors.
func (u *UnreachableSet) Cleanup(cutoff time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	kept := u.order[:0]
	for _, key := range u.order {
		if u.entries[key].Before(cutoff) {
			delete(u.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	u.order = kept
}

// Len reports the current entry count, mostly for tests and stats.
func (u *UnreachableSet) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
