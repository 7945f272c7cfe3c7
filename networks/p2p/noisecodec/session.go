package noisecodec

import (
	"github.com/flynn/noise"

	"github.com/bisgardo/concordium-node/common"
)

// MaxChunkWire is the maximum number of bytes a single sealed chunk may
// occupy on the wire.
const MaxChunkWire = 65535

// MaxChunkPlain is the maximum plaintext size per chunk: the wire ceiling
// minus the AEAD tag.
const MaxChunkPlain = MaxChunkWire - MACLen

// Session is the post-handshake transport: one CipherState per direction,
// each chunk sealed/opened independently.
type Session struct {
	enc *noise.CipherState
	dec *noise.CipherState
}

// EncryptChunk seals one plaintext chunk (at most MaxChunkPlain bytes).
func (s *Session) EncryptChunk(plaintext []byte) []byte {
	return s.enc.Encrypt(nil, nil, plaintext)
}

// DecryptChunk opens one sealed chunk (at most MaxChunkWire bytes).
func (s *Session) DecryptChunk(ciphertext []byte) ([]byte, error) {
	pt, err := s.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, common.NewCryptoError(err)
	}
	return pt, nil
}

// EncryptMessage splits plaintext into MaxChunkPlain-sized chunks and seals
// each independently, returning the concatenated ciphertext ready to be
// length-prefixed and framed.
func (s *Session) EncryptMessage(plaintext []byte) []byte {
	if len(plaintext) == 0 {
		return s.EncryptChunk(nil)
	}
	out := make([]byte, 0, len(plaintext)+MACLen)
	for off := 0; off < len(plaintext); {
		end := off + MaxChunkPlain
		if end > len(plaintext) {
			end = len(plaintext)
		}
		out = append(out, s.EncryptChunk(plaintext[off:end])...)
		off = end
	}
	return out
}

// NumChunks reports how many MaxChunkWire-sized chunks a ciphertext of the
// given total length is split into: full chunks followed by at most one
// partial trailing chunk.
func NumChunks(ciphertextLen int) int {
	full := ciphertextLen / MaxChunkWire
	rem := ciphertextLen % MaxChunkWire
	if rem > 0 {
		return full + 1
	}
	return full
}

// DecryptMessage reverses EncryptMessage: it walks `ciphertext` in
// MaxChunkWire-sized windows (the final window possibly shorter) and opens
// each chunk independently with the same session.
func (s *Session) DecryptMessage(ciphertext []byte) ([]byte, error) {
	total := len(ciphertext)
	fullChunks := total / MaxChunkWire
	lastChunkSize := total % MaxChunkWire

	out := make([]byte, 0, total)
	off := 0
	for i := 0; i < fullChunks; i++ {
		pt, err := s.DecryptChunk(ciphertext[off : off+MaxChunkWire])
		if err != nil {
			return nil, err
		}
		out = append(out, pt...)
		off += MaxChunkWire
	}
	if lastChunkSize > 0 {
		pt, err := s.DecryptChunk(ciphertext[off : off+lastChunkSize])
		if err != nil {
			return nil, err
		}
		out = append(out, pt...)
	}
	return out, nil
}
