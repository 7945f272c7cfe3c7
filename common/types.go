// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package common holds the small cross-cutting types shared by every layer
// of the networking core: node identities, content hashes and peer types.
package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// NodeId identifies a peer uniquely across the overlay. Rendered as 16
// lowercase hex digits.
type NodeId uint64

// RandomNodeId constructs a NodeId from a cryptographically random source,
// used at first boot before an id is persisted to <data-dir>/node-id.
func RandomNodeId() (NodeId, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return NodeId(binary.BigEndian.Uint64(buf[:])), nil
}

// NodeIdFromHex parses the 16-hex-digit representation of a NodeId.
func NodeIdFromHex(s string) (NodeId, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("node id must be 8 bytes, got %d", len(b))
	}
	return NodeId(binary.BigEndian.Uint64(b)), nil
}

// Bytes renders the id as its 8 big-endian bytes, the on-disk and
// on-the-wire representation.
func (id NodeId) Bytes() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func (id NodeId) String() string {
	return hex.EncodeToString(id.Bytes())
}

// NodeIdFromBytes parses the 8 byte big-endian wire/disk representation.
func NodeIdFromBytes(b []byte) (NodeId, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("node id must be 8 bytes, got %d", len(b))
	}
	return NodeId(binary.BigEndian.Uint64(b)), nil
}

// NetworkId names a logical overlay; a single physical connection may
// advertise several.
type NetworkId uint16

// PeerType distinguishes ordinary relaying nodes from bootstrap-only peers.
type PeerType uint8

const (
	// PeerTypeNode is a full participant: it relays application packets and
	// is counted against max_peers.
	PeerTypeNode PeerType = iota
	// PeerTypeBootstrapper answers only peer-list requests and never
	// relays application packets.
	PeerTypeBootstrapper
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeNode:
		return "node"
	case PeerTypeBootstrapper:
		return "bootstrapper"
	default:
		return "unknown"
	}
}

// Peer is the identity a Connection becomes once the post-handshake state
// is reached: id, type and address. Equality for Nodes is by id; for
// Bootstrappers it's by address (see Equal).
type Peer struct {
	Id      NodeId
	Type    PeerType
	Address net.TCPAddr
}

// Equal implements the equality rule from the data model: Nodes compare by
// id, Bootstrappers by address.
func (p Peer) Equal(other Peer) bool {
	if p.Type != other.Type {
		return false
	}
	if p.Type == PeerTypeBootstrapper {
		return p.Address.IP.Equal(other.Address.IP) && p.Address.Port == other.Address.Port
	}
	return p.Id == other.Id
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s(%s)", p.Id, p.Address.String(), p.Type)
}

// Hash is a 256-bit content fingerprint, used by the dedup queues and for
// the genesis hashes exchanged in the application handshake.
type Hash [32]byte

// HashBytes computes the SHA-256 digest of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// HashFromHex parses the hex representation produced by Hash.Hex, as found
// in <data-dir>/genesis_hash.
func HashFromHex(s string) (Hash, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != len(Hash{}) {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", len(Hash{}), len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
