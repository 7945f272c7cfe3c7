package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnreachableSetMarkAndContains(t *testing.T) {
	u := NewUnreachableSet()
	addr := net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}

	assert.False(t, u.Contains(addr))
	u.Mark(addr, time.Now())
	assert.True(t, u.Contains(addr))
	assert.Equal(t, 1, u.Len())
}

func TestUnreachableSetCleanupExpiresOldEntries(t *testing.T) {
	u := NewUnreachableSet()
	old := net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}
	fresh := net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 9001}

	base := time.Now()
	u.Mark(old, base.Add(-25*time.Hour))
	u.Mark(fresh, base)

	u.Cleanup(base.Add(-unreachableExpiry))

	assert.False(t, u.Contains(old))
	assert.True(t, u.Contains(fresh))
	assert.Equal(t, 1, u.Len())
}
