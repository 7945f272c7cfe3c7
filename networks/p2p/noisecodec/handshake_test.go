package noisecodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeHandshake(t *testing.T) (*Session, *Session) {
	t.Helper()
	initKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	respKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	initiator, err := NewHandshake(true, initKey)
	require.NoError(t, err)
	responder, err := NewHandshake(false, respKey)
	require.NoError(t, err)

	msgA, err := initiator.WriteMessageA()
	require.NoError(t, err)
	assert.Len(t, msgA, DHLen+MACLen)
	require.NoError(t, responder.ReadMessageA(msgA))

	msgB, err := responder.WriteMessageB()
	require.NoError(t, err)
	assert.Len(t, msgB, 2*DHLen+2*MACLen)
	require.NoError(t, initiator.ReadMessageB(msgB))

	msgC, initSession, err := initiator.WriteMessageC()
	require.NoError(t, err)
	assert.Len(t, msgC, DHLen+2*MACLen)

	respSession, err := responder.ReadMessageC(msgC)
	require.NoError(t, err)

	assert.True(t, initiator.IsPostHandshake())
	assert.True(t, responder.IsPostHandshake())

	return initSession, respSession
}

func TestHandshakeCompletesInThreeFrames(t *testing.T) {
	completeHandshake(t)
}

func TestHandshakeBitFlipCausesDecryptFailure(t *testing.T) {
	initKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	respKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	initiator, err := NewHandshake(true, initKey)
	require.NoError(t, err)
	responder, err := NewHandshake(false, respKey)
	require.NoError(t, err)

	msgA, err := initiator.WriteMessageA()
	require.NoError(t, err)
	msgA[0] ^= 0xFF
	err = responder.ReadMessageA(msgA)
	assert.Error(t, err)
}

func TestSessionRoundTripSingleChunk(t *testing.T) {
	initSession, respSession := completeHandshake(t)

	plaintext := []byte("hello world")
	ciphertext := initSession.EncryptMessage(plaintext)
	got, err := respSession.DecryptMessage(ciphertext)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))
}

func TestSessionRoundTripMultiChunk(t *testing.T) {
	initSession, respSession := completeHandshake(t)

	plaintext := make([]byte, MaxChunkPlain*3+17)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ciphertext := initSession.EncryptMessage(plaintext)
	assert.Equal(t, NumChunks(len(ciphertext)), 4)

	got, err := respSession.DecryptMessage(ciphertext)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))
}

func TestSessionRoundTripExactChunkBoundary(t *testing.T) {
	initSession, respSession := completeHandshake(t)

	plaintext := make([]byte, MaxChunkPlain*2)
	ciphertext := initSession.EncryptMessage(plaintext)
	assert.Equal(t, 2, NumChunks(len(ciphertext)))

	got, err := respSession.DecryptMessage(ciphertext)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))
}
