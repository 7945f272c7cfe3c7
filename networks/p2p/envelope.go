package p2p

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/bisgardo/concordium-node/common"
)

// EnvelopeTag selects the outer variant of a decrypted application frame,
// matching the wire layout from spec §6.
type EnvelopeTag uint8

const (
	TagRequest  EnvelopeTag = 0x00
	TagResponse EnvelopeTag = 0x01
	TagPacket   EnvelopeTag = 0x02
)

// Envelope is the decoded plaintext carried inside one Noise-sealed frame.
type Envelope struct {
	Sender common.Peer
	Body   EnvelopeBody
}

// EnvelopeBody is implemented by Request, Response and Packet.
type EnvelopeBody interface {
	envelopeTag() EnvelopeTag
}

// --- Request ---------------------------------------------------------------

type RequestType uint8

const (
	ReqPing RequestType = iota
	ReqPong
	ReqGetPeers
	ReqHandshake
	ReqBanNode
	ReqUnbanNode
	ReqJoinNetwork
	ReqLeaveNetwork
	ReqRetransmit
)

// Request wraps one of the request subtypes; exactly one of the typed
// fields below is populated, matching RequestType.
type Request struct {
	Type RequestType

	GetPeers     *GetPeersBody
	Handshake    *HandshakeBody
	BanNode      *BanNodeBody
	UnbanNode    *BanNodeBody
	JoinNetwork  *NetworkBody
	LeaveNetwork *NetworkBody
	Retransmit   *RetransmitBody
}

func (Request) envelopeTag() EnvelopeTag { return TagRequest }

type GetPeersBody struct {
	Networks []common.NetworkId
}

type HandshakeBody struct {
	Peer     common.Peer
	Networks []common.NetworkId
	// GenesisHash is the local chain's genesis identifier, carried on both
	// sides of the application handshake; a mismatch against the
	// receiver's own configured set closes the connection with
	// Policy::GenesisMismatch (see conn.go's recordRemoteHandshakeLocked).
	GenesisHash common.Hash
	// KnownPeersHint is populated only on the response side; zero-length on
	// the initial request per the application handshake's "zero-length
	// extension" field.
	KnownPeersHint []common.Peer
}

type BanNodeBody struct {
	Target common.BanId
}

type NetworkBody struct {
	Network common.NetworkId
}

type ElementType uint8

const (
	ElementBlock ElementType = iota
	ElementFinalizationRecord
	ElementTransaction
)

type RetransmitBody struct {
	SinceTs     uint64
	ElementType ElementType
	Network     common.NetworkId
}

// --- Response ----------------------------------------------------------------

type ResponseType uint8

const (
	RespPeerList ResponseType = iota
	RespHandshake
)

type Response struct {
	Type ResponseType

	PeerList  *PeerListBody
	Handshake *HandshakeBody
}

func (Response) envelopeTag() EnvelopeTag { return TagResponse }

type PeerListBody struct {
	Peers []common.Peer
}

// --- Packet --------------------------------------------------------------

type PacketKind uint8

const (
	PacketDirect    PacketKind = 0x00
	PacketBroadcast PacketKind = 0x01
)

type Packet struct {
	Kind        PacketKind
	RecipientId common.NodeId   // valid when Kind == PacketDirect
	ExcludedIds []common.NodeId // valid when Kind == PacketBroadcast

	Network common.NetworkId
	Payload []byte
}

func (Packet) envelopeTag() EnvelopeTag { return TagPacket }

// --- encode ----------------------------------------------------------------

// EncodeEnvelope serializes env into the plaintext that is sealed by the
// Noise session before being handed to the frame codec.
func EncodeEnvelope(env *Envelope) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(env.Body.envelopeTag()))
	writePeer(buf, env.Sender)
	switch body := env.Body.(type) {
	case *Request:
		encodeRequest(buf, body)
	case *Response:
		encodeResponse(buf, body)
	case *Packet:
		encodePacket(buf, body)
	}
	return buf.Bytes()
}

func writePeer(buf *bytes.Buffer, p common.Peer) {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(p.Id))
	buf.Write(idBytes[:])
	buf.WriteByte(byte(p.Type))
	ip4 := p.Address.IP.To4()
	if ip4 != nil {
		buf.WriteByte(0x04)
		buf.Write(ip4)
	} else {
		buf.WriteByte(0x06)
		buf.Write(p.Address.IP.To16())
	}
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(p.Address.Port))
	buf.Write(portBytes[:])
}

func writeUint16Slice(buf *bytes.Buffer, ids []common.NetworkId) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(ids)))
	buf.Write(lenBytes[:])
	for _, id := range ids {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(id))
		buf.Write(b[:])
	}
}

func writeUint64Slice(buf *bytes.Buffer, ids []common.NodeId) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(ids)))
	buf.Write(lenBytes[:])
	for _, id := range ids {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(id))
		buf.Write(b[:])
	}
}

func encodeRequest(buf *bytes.Buffer, r *Request) {
	buf.WriteByte(byte(r.Type))
	switch r.Type {
	case ReqPing, ReqPong:
		// no body
	case ReqGetPeers:
		writeUint16Slice(buf, r.GetPeers.Networks)
	case ReqHandshake:
		encodeHandshakeBody(buf, r.Handshake)
	case ReqBanNode:
		buf.Write(r.BanNode.Target.Encode())
	case ReqUnbanNode:
		buf.Write(r.UnbanNode.Target.Encode())
	case ReqJoinNetwork:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(r.JoinNetwork.Network))
		buf.Write(b[:])
	case ReqLeaveNetwork:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(r.LeaveNetwork.Network))
		buf.Write(b[:])
	case ReqRetransmit:
		var tsBytes [8]byte
		binary.BigEndian.PutUint64(tsBytes[:], r.Retransmit.SinceTs)
		buf.Write(tsBytes[:])
		buf.WriteByte(byte(r.Retransmit.ElementType))
		var netBytes [2]byte
		binary.BigEndian.PutUint16(netBytes[:], uint16(r.Retransmit.Network))
		buf.Write(netBytes[:])
	}
}

func encodeHandshakeBody(buf *bytes.Buffer, h *HandshakeBody) {
	writePeer(buf, h.Peer)
	writeUint16Slice(buf, h.Networks)
	buf.Write(h.GenesisHash.Bytes())
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(h.KnownPeersHint)))
	buf.Write(lenBytes[:])
	for _, p := range h.KnownPeersHint {
		writePeer(buf, p)
	}
}

func encodeResponse(buf *bytes.Buffer, r *Response) {
	buf.WriteByte(byte(r.Type))
	switch r.Type {
	case RespPeerList:
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(r.PeerList.Peers)))
		buf.Write(lenBytes[:])
		for _, p := range r.PeerList.Peers {
			writePeer(buf, p)
		}
	case RespHandshake:
		encodeHandshakeBody(buf, r.Handshake)
	}
}

func encodePacket(buf *bytes.Buffer, p *Packet) {
	buf.WriteByte(byte(p.Kind))
	switch p.Kind {
	case PacketDirect:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(p.RecipientId))
		buf.Write(b[:])
	case PacketBroadcast:
		writeUint64Slice(buf, p.ExcludedIds)
	}
	var netBytes [2]byte
	binary.BigEndian.PutUint16(netBytes[:], uint16(p.Network))
	buf.Write(netBytes[:])
	var payloadLenBytes [4]byte
	binary.BigEndian.PutUint32(payloadLenBytes[:], uint32(len(p.Payload)))
	buf.Write(payloadLenBytes[:])
	buf.Write(p.Payload)
}

// --- decode ------------------------------------------------------------------

// DecodeEnvelope parses the plaintext produced by EncodeEnvelope. Any
// malformed input yields a Protocol-kind error.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	r := &wireReader{buf: data}
	tagByte, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	sender, err := readPeer(r)
	if err != nil {
		return nil, err
	}
	var body EnvelopeBody
	switch EnvelopeTag(tagByte) {
	case TagRequest:
		body, err = decodeRequest(r)
	case TagResponse:
		body, err = decodeResponse(r)
	case TagPacket:
		body, err = decodePacket(r)
	default:
		return nil, common.NewProtocolError(errUnknownEnvelopeTag)
	}
	if err != nil {
		return nil, err
	}
	return &Envelope{Sender: sender, Body: body}, nil
}

type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return common.NewProtocolError(errTruncatedEnvelope)
	}
	return nil
}

func (r *wireReader) readUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *wireReader) readUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *wireReader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *wireReader) readUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *wireReader) readBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func readPeer(r *wireReader) (common.Peer, error) {
	id, err := r.readUint64()
	if err != nil {
		return common.Peer{}, err
	}
	typeByte, err := r.readUint8()
	if err != nil {
		return common.Peer{}, err
	}
	ipTag, err := r.readUint8()
	if err != nil {
		return common.Peer{}, err
	}
	var ipLen int
	switch ipTag {
	case 0x04:
		ipLen = 4
	case 0x06:
		ipLen = 16
	default:
		return common.Peer{}, common.NewProtocolError(errUnknownIPVariant)
	}
	ipBytes, err := r.readBytes(ipLen)
	if err != nil {
		return common.Peer{}, err
	}
	ip := make(net.IP, ipLen)
	copy(ip, ipBytes)
	port, err := r.readUint16()
	if err != nil {
		return common.Peer{}, err
	}
	return common.Peer{
		Id:      common.NodeId(id),
		Type:    common.PeerType(typeByte),
		Address: net.TCPAddr{IP: ip, Port: int(port)},
	}, nil
}

func readNetworkIdSlice(r *wireReader) ([]common.NetworkId, error) {
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	nets := make([]common.NetworkId, count)
	for i := range nets {
		v, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		nets[i] = common.NetworkId(v)
	}
	return nets, nil
}

func readNodeIdSlice(r *wireReader) ([]common.NodeId, error) {
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	ids := make([]common.NodeId, count)
	for i := range ids {
		v, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		ids[i] = common.NodeId(v)
	}
	return ids, nil
}

func decodeHandshakeBody(r *wireReader) (*HandshakeBody, error) {
	peer, err := readPeer(r)
	if err != nil {
		return nil, err
	}
	nets, err := readNetworkIdSlice(r)
	if err != nil {
		return nil, err
	}
	genesisBytes, err := r.readBytes(len(common.Hash{}))
	if err != nil {
		return nil, err
	}
	var genesisHash common.Hash
	copy(genesisHash[:], genesisBytes)
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	hints := make([]common.Peer, count)
	for i := range hints {
		hints[i], err = readPeer(r)
		if err != nil {
			return nil, err
		}
	}
	return &HandshakeBody{Peer: peer, Networks: nets, GenesisHash: genesisHash, KnownPeersHint: hints}, nil
}

func decodeRequest(r *wireReader) (*Request, error) {
	typeByte, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	req := &Request{Type: RequestType(typeByte)}
	switch req.Type {
	case ReqPing, ReqPong:
	case ReqGetPeers:
		nets, err := readNetworkIdSlice(r)
		if err != nil {
			return nil, err
		}
		req.GetPeers = &GetPeersBody{Networks: nets}
	case ReqHandshake:
		req.Handshake, err = decodeHandshakeBody(r)
		if err != nil {
			return nil, err
		}
	case ReqBanNode:
		target, err := common.DecodeBanId(r.buf[r.pos:])
		if err != nil {
			return nil, err
		}
		r.pos = len(r.buf)
		req.BanNode = &BanNodeBody{Target: target}
	case ReqUnbanNode:
		target, err := common.DecodeBanId(r.buf[r.pos:])
		if err != nil {
			return nil, err
		}
		r.pos = len(r.buf)
		req.UnbanNode = &BanNodeBody{Target: target}
	case ReqJoinNetwork:
		v, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		req.JoinNetwork = &NetworkBody{Network: common.NetworkId(v)}
	case ReqLeaveNetwork:
		v, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		req.LeaveNetwork = &NetworkBody{Network: common.NetworkId(v)}
	case ReqRetransmit:
		since, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		elemType, err := r.readUint8()
		if err != nil {
			return nil, err
		}
		netId, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		req.Retransmit = &RetransmitBody{SinceTs: since, ElementType: ElementType(elemType), Network: common.NetworkId(netId)}
	default:
		return nil, common.NewProtocolError(errUnknownRequestType)
	}
	return req, nil
}

func decodeResponse(r *wireReader) (*Response, error) {
	typeByte, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	resp := &Response{Type: ResponseType(typeByte)}
	switch resp.Type {
	case RespPeerList:
		count, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		peers := make([]common.Peer, count)
		for i := range peers {
			peers[i], err = readPeer(r)
			if err != nil {
				return nil, err
			}
		}
		resp.PeerList = &PeerListBody{Peers: peers}
	case RespHandshake:
		resp.Handshake, err = decodeHandshakeBody(r)
		if err != nil {
			return nil, err
		}
	default:
		return nil, common.NewProtocolError(errUnknownResponseType)
	}
	return resp, nil
}

func decodePacket(r *wireReader) (*Packet, error) {
	kindByte, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	p := &Packet{Kind: PacketKind(kindByte)}
	switch p.Kind {
	case PacketDirect:
		id, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		p.RecipientId = common.NodeId(id)
	case PacketBroadcast:
		ids, err := readNodeIdSlice(r)
		if err != nil {
			return nil, err
		}
		p.ExcludedIds = ids
	default:
		return nil, common.NewProtocolError(errUnknownPacketKind)
	}
	netId, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	p.Network = common.NetworkId(netId)
	payloadLen, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	payload, err := r.readBytes(int(payloadLen))
	if err != nil {
		return nil, err
	}
	p.Payload = append([]byte(nil), payload...)
	return p, nil
}

var (
	errUnknownEnvelopeTag  = plainError("unknown envelope tag")
	errTruncatedEnvelope   = plainError("truncated envelope")
	errUnknownIPVariant    = plainError("unknown peer ip variant")
	errUnknownRequestType  = plainError("unknown request type")
	errUnknownResponseType = plainError("unknown response type")
	errUnknownPacketKind   = plainError("unknown packet kind")
)

type plainError string

func (e plainError) Error() string { return string(e) }
