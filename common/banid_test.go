package common

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanIdNodeIdRoundTrip(t *testing.T) {
	b := BanIdFromNodeId(NodeId(42))
	decoded, err := DecodeBanId(b.Encode())
	require.NoError(t, err)
	assert.True(t, b.Equal(decoded))
}

func TestBanIdIPv4RoundTrip(t *testing.T) {
	b := BanIdFromIP(net.ParseIP("1.2.3.4"))
	decoded, err := DecodeBanId(b.Encode())
	require.NoError(t, err)
	assert.True(t, b.Equal(decoded))
}

func TestBanIdIPv6RoundTrip(t *testing.T) {
	b := BanIdFromIP(net.ParseIP("::1"))
	decoded, err := DecodeBanId(b.Encode())
	require.NoError(t, err)
	assert.True(t, b.Equal(decoded))
}

func TestBanIdDecodeTruncatedFails(t *testing.T) {
	_, err := DecodeBanId([]byte{byte(BanKindIp)})
	assert.Error(t, err)
}

func TestBanIdNodeIdAndIpNeverEqual(t *testing.T) {
	a := BanIdFromNodeId(NodeId(1))
	b := BanIdFromIP(net.ParseIP("1.2.3.4"))
	assert.False(t, a.Equal(b))
}
