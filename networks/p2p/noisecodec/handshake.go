// Package noisecodec implements the cryptographic handshake and transport
// session used by the connection low-level codec: Noise_XX_25519_ChaChaPoly_SHA256
// with a fixed 4-byte prologue, driven three frames at a time (A, B, C) the
// way concordium-node's connection/low_level.rs drives noiseexplorer_xx.
package noisecodec

import (
	"crypto/rand"

	"github.com/flynn/noise"

	"github.com/bisgardo/concordium-node/common"
)

// Prologue is the fixed 4-byte Noise prologue carried by every handshake.
const Prologue = "CP2P"

// DHLen is the X25519 public key size.
const DHLen = 32

// MACLen is the ChaChaPoly authentication tag size.
const MACLen = 16

// messageAPadding is the quirk carried over from the reference
// implementation's noiseexplorer_xx binding: message A is always framed as
// DHLen+MACLen bytes even though the XX pattern's first message carries no
// AEAD tag (nothing has been encrypted yet). The trailing MACLen bytes are
// zero padding, written and then discarded by the peer.
const messageAPadding = MACLen

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// GenerateStaticKeypair creates a fresh X25519 static keypair for a Noise
// session.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// Handshake drives one side of the three-message Noise XX exchange.
type Handshake struct {
	hs          *noise.HandshakeState
	isInitiator bool
	msgCount    int
}

// NewHandshake starts a handshake in the given role over the given static
// keypair.
func NewHandshake(isInitiator bool, staticKeypair noise.DHKey) (*Handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     isInitiator,
		StaticKeypair: staticKeypair,
		Prologue:      []byte(Prologue),
	})
	if err != nil {
		return nil, common.NewCryptoError(err)
	}
	return &Handshake{hs: hs, isInitiator: isInitiator}, nil
}

// IsInitiator reports the handshake's role.
func (h *Handshake) IsInitiator() bool { return h.isInitiator }

// MessageCount returns the number of handshake messages processed so far
// (written or read), used by the caller to select which frame to expect
// next — the same counter-driven dispatch as the reference connection's
// `forward` method.
func (h *Handshake) MessageCount() int { return h.msgCount }

// IsPostHandshake implements the post-handshake predicate from the data
// model: initiator -> count > 1; responder -> count > 2.
func (h *Handshake) IsPostHandshake() bool {
	if h.isInitiator {
		return h.msgCount > 1
	}
	return h.msgCount > 2
}

// WriteMessageA produces handshake frame 1 (initiator -> responder): the
// initiator's ephemeral key, padded to DHLen+MACLen bytes.
func (h *Handshake) WriteMessageA() ([]byte, error) {
	out, _, _, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, common.NewCryptoError(err)
	}
	h.msgCount++
	padded := make([]byte, len(out)+messageAPadding)
	copy(padded, out)
	return padded, nil
}

// ReadMessageA consumes handshake frame 1 on the responder side.
func (h *Handshake) ReadMessageA(frame []byte) error {
	if len(frame) < DHLen {
		return common.NewProtocolError(errShortHandshakeFrame)
	}
	_, _, _, err := h.hs.ReadMessage(nil, frame[:DHLen])
	if err != nil {
		return common.NewCryptoError(err)
	}
	h.msgCount++
	return nil
}

// WriteMessageB produces handshake frame 2 (responder -> initiator): e, ee,
// s, es — 2*DHLen + 2*MACLen bytes.
func (h *Handshake) WriteMessageB() ([]byte, error) {
	out, _, _, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, common.NewCryptoError(err)
	}
	h.msgCount++
	return out, nil
}

// ReadMessageB consumes handshake frame 2 on the initiator side.
func (h *Handshake) ReadMessageB(frame []byte) error {
	_, _, _, err := h.hs.ReadMessage(nil, frame)
	if err != nil {
		return common.NewCryptoError(err)
	}
	h.msgCount++
	return nil
}

// WriteMessageC produces handshake frame 3 (initiator -> responder): s, se
// — DHLen + 2*MACLen bytes. It completes the handshake and returns the
// transport Session.
func (h *Handshake) WriteMessageC() ([]byte, *Session, error) {
	out, cs1, cs2, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, common.NewCryptoError(err)
	}
	h.msgCount++
	// cs1 is always the initiator->responder direction, cs2 the reverse,
	// regardless of which side called WriteMessage/ReadMessage.
	return out, &Session{enc: cs1, dec: cs2}, nil
}

// ReadMessageC consumes handshake frame 3 on the responder side, completing
// the handshake and returning the transport Session.
func (h *Handshake) ReadMessageC(frame []byte) (*Session, error) {
	_, cs1, cs2, err := h.hs.ReadMessage(nil, frame)
	if err != nil {
		return nil, common.NewCryptoError(err)
	}
	h.msgCount++
	return &Session{enc: cs2, dec: cs1}, nil
}

var errShortHandshakeFrame = shortHandshakeFrameError{}

type shortHandshakeFrameError struct{}

func (shortHandshakeFrameError) Error() string { return "handshake frame shorter than DHLen" }
