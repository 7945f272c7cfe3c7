// Package dedup implements the router's three broadcast deduplication
// queues. Grounded on the teacher's knownTxsCache/knownBlocksCache pattern
// in node/cn/peer.go (bounded, insertion-ordered caches keyed by content
// hash, sized differently for the "big but rare" vs. "small but frequent"
// content classes) but backed directly by hashicorp/golang-lru rather than
// the teacher's own cache wrapper, which this module does not carry
// forward (see DESIGN.md).
package dedup

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bisgardo/concordium-node/common"
)

// Capacities per spec §4.5: blocks and finalization records hold 5000
// entries each; transactions get a larger capacity. gossipCapacity sizes
// the generic wire-level suppression queue described on Queues.gossip.
const (
	blockCapacity              = 5000
	finalizationRecordCapacity = 5000
	transactionCapacity        = 50000
	gossipCapacity             = 50000
)

// ElementType enumerates the three dedup categories.
type ElementType int

const (
	ElementBlock ElementType = iota
	ElementFinalizationRecord
	ElementTransaction
)

// entry records when a fingerprint was first seen, plus the network and
// payload it was seen on, so Retransmit can replay the original bytes
// rather than just the hash.
type entry struct {
	fingerprint common.Hash
	network     common.NetworkId
	payload     []byte
	seenAt      time.Time
}

// RetransmitEntry is one item returned by SeenSince, ready to be resent as
// a Direct packet.
type RetransmitEntry struct {
	Network common.NetworkId
	Payload []byte
}

// Queues holds the three element-typed dedup caches plus one untyped
// gossip queue. The wire Packet format (spec §6) carries no element-type
// tag on Direct/Broadcast packets, so live gossip suppression (every
// packet the router actually forwards) runs through the single gossip
// queue; the three typed queues are populated when the local node
// originates a broadcast it can itself classify (RecordLocalBroadcast),
// and are read back out by Retransmit, whose wire request does carry an
// explicit element type.
type Queues struct {
	blocks        *lru.Cache
	finalizations *lru.Cache
	transactions  *lru.Cache
	gossip        *lru.Cache
}

// New allocates the bounded caches.
func New() (*Queues, error) {
	blocks, err := lru.New(blockCapacity)
	if err != nil {
		return nil, common.NewFatalError(err)
	}
	finalizations, err := lru.New(finalizationRecordCapacity)
	if err != nil {
		return nil, common.NewFatalError(err)
	}
	transactions, err := lru.New(transactionCapacity)
	if err != nil {
		return nil, common.NewFatalError(err)
	}
	gossip, err := lru.New(gossipCapacity)
	if err != nil {
		return nil, common.NewFatalError(err)
	}
	return &Queues{blocks: blocks, finalizations: finalizations, transactions: transactions, gossip: gossip}, nil
}

func (q *Queues) queueFor(elem ElementType) *lru.Cache {
	switch elem {
	case ElementBlock:
		return q.blocks
	case ElementFinalizationRecord:
		return q.finalizations
	case ElementTransaction:
		return q.transactions
	default:
		return nil
	}
}

// Fingerprint computes the 256-bit content hash over network_id || payload,
// the key used by every dedup queue.
func Fingerprint(network common.NetworkId, payload []byte) common.Hash {
	buf := make([]byte, 2+len(payload))
	buf[0] = byte(network >> 8)
	buf[1] = byte(network)
	copy(buf[2:], payload)
	return common.HashBytes(buf)
}

// SeenOrRecord reports whether fingerprint was already present in elem's
// queue; if not, it records it (with the current time and the payload that
// produced it, for later Retransmit replay) and returns false. This
// implements Property 4: exactly one "new" result per distinct payload.
func (q *Queues) SeenOrRecord(elem ElementType, network common.NetworkId, fingerprint common.Hash, payload []byte) bool {
	cache := q.queueFor(elem)
	if cache == nil {
		return false
	}
	if cache.Contains(fingerprint) {
		return true
	}
	cache.Add(fingerprint, entry{
		fingerprint: fingerprint,
		network:     network,
		payload:     append([]byte(nil), payload...),
		seenAt:      time.Now(),
	})
	return false
}

// SeenOrRecordGossip dedups by raw fingerprint alone, for wire-level
// Direct/Broadcast packets that carry no element-type classification.
// Implements Property 4 for ordinary gossip traffic.
func (q *Queues) SeenOrRecordGossip(fingerprint common.Hash) bool {
	if q.gossip.Contains(fingerprint) {
		return true
	}
	q.gossip.Add(fingerprint, struct{}{})
	return false
}

// RecordLocalBroadcast registers a broadcast the local node itself
// originates under its true element type, so a later Retransmit request
// (which does carry an element type on the wire) can replay it. Returns
// the fingerprint so the caller can also suppress its own gossip queue
// entry for the same payload.
func (q *Queues) RecordLocalBroadcast(elem ElementType, network common.NetworkId, payload []byte) common.Hash {
	fp := Fingerprint(network, payload)
	q.SeenOrRecord(elem, network, fp, payload)
	return fp
}

// SeenSince returns every entry in elem's queue recorded at or after since,
// used to answer a Retransmit request. An unrecognized elem yields
// ErrUnknownElementType; per spec, the caller treats that as "log and
// reply with nothing" rather than a protocol failure.
func (q *Queues) SeenSince(elem ElementType, since time.Time) ([]RetransmitEntry, error) {
	cache := q.queueFor(elem)
	if cache == nil {
		return nil, common.ErrUnknownElementType
	}
	var out []RetransmitEntry
	for _, key := range cache.Keys() {
		v, ok := cache.Peek(key)
		if !ok {
			continue
		}
		e := v.(entry)
		if !e.seenAt.Before(since) {
			out = append(out, RetransmitEntry{Network: e.network, Payload: e.payload})
		}
	}
	return out, nil
}
