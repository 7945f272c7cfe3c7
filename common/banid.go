package common

import (
	"encoding/binary"
	"fmt"
	"net"
)

// BanKind selects which field of a BanId is populated.
type BanKind uint8

const (
	BanKindNodeId BanKind = 0
	BanKindIp     BanKind = 1
)

// BanId is either a NodeId or an IP address, the two ban targets the
// banlist store supports. It is encoded as a tag byte followed by the
// payload, matching the data model's "tag byte + payload" description.
type BanId struct {
	Kind   BanKind
	NodeId NodeId
	IP     net.IP
}

func BanIdFromNodeId(id NodeId) BanId {
	return BanId{Kind: BanKindNodeId, NodeId: id}
}

func BanIdFromIP(ip net.IP) BanId {
	return BanId{Kind: BanKindIp, IP: ip}
}

// Encode renders the BanId as the key bytes stored in the banlist KV store
// and carried in BanNode/UnbanNode request bodies.
func (b BanId) Encode() []byte {
	switch b.Kind {
	case BanKindNodeId:
		out := make([]byte, 1+8)
		out[0] = byte(BanKindNodeId)
		binary.BigEndian.PutUint64(out[1:], uint64(b.NodeId))
		return out
	case BanKindIp:
		ip4 := b.IP.To4()
		if ip4 != nil {
			out := make([]byte, 1+1+4)
			out[0] = byte(BanKindIp)
			out[1] = 0x04
			copy(out[2:], ip4)
			return out
		}
		ip16 := b.IP.To16()
		out := make([]byte, 1+1+16)
		out[0] = byte(BanKindIp)
		out[1] = 0x06
		copy(out[2:], ip16)
		return out
	default:
		return nil
	}
}

// DecodeBanId parses the encoding produced by Encode.
func DecodeBanId(b []byte) (BanId, error) {
	if len(b) < 1 {
		return BanId{}, NewProtocolError(errTruncatedBanId)
	}
	switch BanKind(b[0]) {
	case BanKindNodeId:
		if len(b) < 1+8 {
			return BanId{}, NewProtocolError(errTruncatedBanId)
		}
		id := NodeId(binary.BigEndian.Uint64(b[1:9]))
		return BanId{Kind: BanKindNodeId, NodeId: id}, nil
	case BanKindIp:
		if len(b) < 2 {
			return BanId{}, NewProtocolError(errTruncatedBanId)
		}
		var ipLen int
		switch b[1] {
		case 0x04:
			ipLen = 4
		case 0x06:
			ipLen = 16
		default:
			return BanId{}, NewProtocolError(errUnknownBanIPVariant)
		}
		if len(b) < 2+ipLen {
			return BanId{}, NewProtocolError(errTruncatedBanId)
		}
		ip := make(net.IP, ipLen)
		copy(ip, b[2:2+ipLen])
		return BanId{Kind: BanKindIp, IP: ip}, nil
	default:
		return BanId{}, NewProtocolError(errUnknownBanKind)
	}
}

func (b BanId) Equal(other BanId) bool {
	if b.Kind != other.Kind {
		return false
	}
	if b.Kind == BanKindNodeId {
		return b.NodeId == other.NodeId
	}
	return b.IP.Equal(other.IP)
}

func (b BanId) String() string {
	switch b.Kind {
	case BanKindNodeId:
		return fmt.Sprintf("id:%s", b.NodeId)
	case BanKindIp:
		return fmt.Sprintf("ip:%s", b.IP.String())
	default:
		return "unknown"
	}
}

var (
	errTruncatedBanId      = plainError("truncated ban id")
	errUnknownBanIPVariant = plainError("unknown ban id ip variant")
	errUnknownBanKind      = plainError("unknown ban id kind")
)

type plainError string

func (e plainError) Error() string { return string(e) }
