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

// Package p2p implements the peer-to-peer networking core: frame codec,
// connection state machine, node event loop and peer registry.
package p2p

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/log"
	"github.com/bisgardo/concordium-node/networks/p2p/framebuf"
	"github.com/bisgardo/concordium-node/networks/p2p/noisecodec"
)

// ProtocolMaxMessageSize is the hard protocol ceiling on a single frame's
// length prefix.
const ProtocolMaxMessageSize = 256 * 1024 * 1024

var logger = log.NewModuleLogger(log.P2P)

const lengthPrefixSize = 4

// TcpResult is the outcome of one socket read or write attempt.
type TcpResult int

const (
	ResultComplete TcpResult = iota
	ResultIncomplete
	ResultDiscarded
	ResultAborted
)

func (r TcpResult) String() string {
	switch r {
	case ResultComplete:
		return "complete"
	case ResultIncomplete:
		return "incomplete"
	case ResultDiscarded:
		return "discarded"
	case ResultAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// incomingMessage tracks the frame currently being assembled from the
// socket.
type incomingMessage struct {
	pendingBytes uint32
	message      *framebuf.Buffer
}

// outFrame is one length-prefixed, already-sealed frame queued for output;
// pos tracks how much of it has been written so a partial write can resume
// exactly where it left off.
type outFrame struct {
	data []byte
	pos  int
}

// LowLevelConn implements C1: length-prefixed framing, the Noise XX
// handshake and chunked AEAD encrypt/decrypt over a TCP socket. It never
// blocks for longer than the read/write deadline used to probe readiness.
type LowLevelConn struct {
	socket net.Conn

	handshake *noisecodec.Handshake // kept after the session is established
	session   *noisecodec.Session   // nil until the handshake completes

	incoming    incomingMessage
	outputQueue []*outFrame

	readBuf [noisecodec.MaxChunkWire]byte
}

// NewLowLevelConn wraps socket with a fresh Noise XX handshake in the given
// role.
func NewLowLevelConn(socket net.Conn, isInitiator bool, staticKeypair noise.DHKey) (*LowLevelConn, error) {
	hs, err := noisecodec.NewHandshake(isInitiator, staticKeypair)
	if err != nil {
		return nil, err
	}
	return &LowLevelConn{
		socket:    socket,
		handshake: hs,
		incoming: incomingMessage{
			message: framebuf.NewWithThreshold(framebuf.DefaultSpillThreshold),
		},
	}, nil
}

// IsPostHandshake reports whether the cryptographic session has been
// established.
func (c *LowLevelConn) IsPostHandshake() bool {
	return c.session != nil
}

// HandshakeMessageCount exposes the underlying handshake's frame counter,
// used by the connection FSM to report its current state for observability.
func (c *LowLevelConn) HandshakeMessageCount() int {
	if c.handshake == nil {
		return -1
	}
	return c.handshake.MessageCount()
}

// IsInitiator reports this connection's handshake role.
func (c *LowLevelConn) IsInitiator() bool {
	if c.handshake != nil {
		return c.handshake.IsInitiator()
	}
	return false
}

// InitiatorSendMessageA sends handshake frame 1. Must be called once, by
// the initiator, right after the connection becomes writable.
func (c *LowLevelConn) InitiatorSendMessageA() error {
	msgA, err := c.handshake.WriteMessageA()
	if err != nil {
		return err
	}
	c.enqueueFrame(msgA)
	_, err = c.FlushSocket()
	return err
}

// ReadStream repeatedly attempts to read from the socket, per the reader
// contract in spec §4.1, returning the first post-handshake payload it
// assembles (Complete), or Incomplete/Aborted when no full application
// payload is available yet. Discarded frames are skipped inside the loop
// and never returned.
func (c *LowLevelConn) ReadStream() (TcpResult, []byte, error) {
	for {
		result, payload, err := c.readFromSocket()
		if err != nil {
			return result, nil, err
		}
		switch result {
		case ResultComplete:
			return ResultComplete, payload, nil
		case ResultDiscarded:
			continue
		case ResultIncomplete, ResultAborted:
			return result, nil, nil
		}
	}
}

func (c *LowLevelConn) readFromSocket() (TcpResult, []byte, error) {
	var result TcpResult
	var frame []byte
	var err error
	if c.incoming.pendingBytes == 0 {
		result, frame, err = c.readExpectedSize()
	} else {
		result, frame, err = c.readPayload()
	}
	if err != nil {
		return result, nil, err
	}
	if result != ResultComplete {
		return result, nil, nil
	}
	return c.forward(frame)
}

// readExpectedSize reads up to 4 bytes to assemble the length prefix, then
// switches to reading the payload once the length is known.
func (c *LowLevelConn) readExpectedSize() (TcpResult, []byte, error) {
	needed := lengthPrefixSize - int(c.incoming.message.Len())
	n, err := c.tryRead(c.readBuf[:needed])
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return ResultIncomplete, nil, nil
		}
		return ResultAborted, nil, err
	}
	if n == 0 {
		return ResultIncomplete, nil, nil
	}
	if _, err := c.incoming.message.Write(c.readBuf[:n]); err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	if c.incoming.message.Len() < lengthPrefixSize {
		return ResultIncomplete, nil, nil
	}

	if err := c.incoming.message.Rewind(); err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	lenBytes := make([]byte, lengthPrefixSize)
	if _, err := c.incoming.message.Read(lenBytes); err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	expectedSize := binary.BigEndian.Uint32(lenBytes)
	if expectedSize > ProtocolMaxMessageSize {
		return ResultAborted, nil, common.ErrMessageTooBig
	}

	c.incoming.pendingBytes = expectedSize
	buf, err := framebuf.WithCapacity(framebuf.DefaultSpillThreshold, int(expectedSize))
	if err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	c.incoming.message = buf

	return c.readPayload()
}

// readPayload reads up to min(pendingBytes, 65535) bytes at a time until
// the frame is complete.
func (c *LowLevelConn) readPayload() (TcpResult, []byte, error) {
	for c.incoming.pendingBytes > 0 {
		readSize := int(c.incoming.pendingBytes)
		if readSize > noisecodec.MaxChunkWire {
			readSize = noisecodec.MaxChunkWire
		}
		n, err := c.tryRead(c.readBuf[:readSize])
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return ResultIncomplete, nil, nil
			}
			return ResultAborted, nil, err
		}
		if n == 0 {
			return ResultIncomplete, nil, nil
		}
		if _, err := c.incoming.message.Write(c.readBuf[:n]); err != nil {
			return ResultIncomplete, nil, common.NewTransportError(err)
		}
		c.incoming.pendingBytes -= uint32(n)
	}

	if err := c.incoming.message.Rewind(); err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	frame, err := c.incoming.message.Bytes()
	if err != nil {
		return ResultIncomplete, nil, common.NewTransportError(err)
	}
	c.incoming.message.Close()
	c.incoming.message = framebuf.NewWithThreshold(framebuf.DefaultSpillThreshold)

	return ResultComplete, frame, nil
}

// forward dispatches a completed frame to the handshake or, once the
// session is live, to chunked decryption — mirroring the reference
// implementation's counter-based `forward` dispatch.
func (c *LowLevelConn) forward(frame []byte) (TcpResult, []byte, error) {
	if c.session == nil {
		count := c.handshake.MessageCount()
		isInit := c.handshake.IsInitiator()
		switch {
		case count == 0 && !isInit:
			if err := c.handshake.ReadMessageA(frame); err != nil {
				return ResultAborted, nil, err
			}
			msgB, err := c.handshake.WriteMessageB()
			if err != nil {
				return ResultAborted, nil, err
			}
			c.enqueueFrame(msgB)
			if _, err := c.FlushSocket(); err != nil {
				return ResultAborted, nil, err
			}
			return ResultDiscarded, nil, nil
		case count == 1 && isInit:
			if err := c.handshake.ReadMessageB(frame); err != nil {
				return ResultAborted, nil, err
			}
			msgC, session, err := c.handshake.WriteMessageC()
			if err != nil {
				return ResultAborted, nil, err
			}
			c.session = session
			c.enqueueFrame(msgC)
			if _, err := c.FlushSocket(); err != nil {
				return ResultAborted, nil, err
			}
			logger.Debug("noise handshake complete", "role", "initiator")
			return ResultDiscarded, nil, nil
		case count == 2 && !isInit:
			session, err := c.handshake.ReadMessageC(frame)
			if err != nil {
				return ResultAborted, nil, err
			}
			c.session = session
			logger.Debug("noise handshake complete", "role", "responder")
			return ResultDiscarded, nil, nil
		default:
			return ResultAborted, nil, common.NewProtocolError(errOutOfOrderHandshake)
		}
	}

	payload, err := c.session.DecryptMessage(frame)
	if err != nil {
		return ResultAborted, nil, err
	}
	return ResultComplete, payload, nil
}

// WriteToSocket splits plaintext into chunks, seals each with the
// transport session and appends the framed, length-prefixed buffer to the
// output queue. Only valid post-handshake.
func (c *LowLevelConn) WriteToSocket(plaintext []byte) error {
	if c.session == nil {
		return common.NewStateError(errNotPostHandshake)
	}
	ciphertext := c.session.EncryptMessage(plaintext)
	c.enqueueFrame(ciphertext)
	return nil
}

func (c *LowLevelConn) enqueueFrame(ciphertext []byte) {
	frame := make([]byte, lengthPrefixSize+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(ciphertext)))
	copy(frame[lengthPrefixSize:], ciphertext)
	c.outputQueue = append(c.outputQueue, &outFrame{data: frame})
}

// FlushSocket drains the output queue via partial writes; on would-block
// the remaining cursor position is preserved so the next flush resumes
// exactly where it left off.
func (c *LowLevelConn) FlushSocket() (TcpResult, error) {
	for len(c.outputQueue) > 0 {
		f := c.outputQueue[0]
		n, err := c.tryWrite(f.data[f.pos:])
		f.pos += n
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return ResultIncomplete, nil
			}
			return ResultAborted, err
		}
		if f.pos < len(f.data) {
			return ResultIncomplete, nil
		}
		c.outputQueue = c.outputQueue[1:]
	}
	return ResultComplete, nil
}

// pollWindow is the deadline margin used to probe socket readiness without
// truly blocking the single event-loop goroutine: a read/write that can
// complete immediately does so within the underlying syscall before the
// deadline ever matters; one that can't returns a timeout well within one
// loop tick, which the caller folds into would-block. This is the portable
// substitute for epoll readiness used by the node event loop (see
// SPEC_FULL.md §4.4).
const pollWindow = 1 * time.Millisecond

func (c *LowLevelConn) tryRead(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := c.socket.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, common.NewTransportError(err)
	}
	n, err := c.socket.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return n, errWouldBlock
		}
		return n, common.NewTransportError(err)
	}
	return n, nil
}

func (c *LowLevelConn) tryWrite(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, common.NewTransportError(err)
	}
	n, err := c.socket.Write(buf)
	if err != nil {
		if isWouldBlock(err) {
			return n, errWouldBlock
		}
		return n, common.NewTransportError(err)
	}
	return n, nil
}

func isWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var (
	errWouldBlock          = errors.New("p2p: stream would block")
	errNotPostHandshake    = errors.New("p2p: write attempted before handshake completed")
	errOutOfOrderHandshake = errors.New("p2p: handshake message received out of order")
)
