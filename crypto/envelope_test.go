package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesDetectsCompressedKey(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x01}, NonceSize)
	key := append([]byte{0x02}, bytes.Repeat([]byte{0x22}, 32)...)
	ciphertext := []byte{0xde, 0xad, 0xbe, 0xef}

	raw := append(append(append([]byte{}, nonce...), key...), ciphertext...)

	e, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, nonce, e.Nonce)
	assert.Equal(t, key, e.EphemeralPublicKey)
	assert.Equal(t, ciphertext, e.Ciphertext)
}

func TestFromBytesLegacyKey(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x01}, NonceSize)
	// First key byte is neither 0x02 nor 0x03, so a 32-byte key is assumed.
	key := bytes.Repeat([]byte{0x7a}, LegacyKeySize)
	ciphertext := []byte{0xff}

	raw := append(append(append([]byte{}, nonce...), key...), ciphertext...)

	e, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, key, e.EphemeralPublicKey)
	assert.Equal(t, ciphertext, e.Ciphertext)
}

func TestFromBytesTruncatedKey(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x01}, NonceSize)
	partialKey := []byte{0x02, 0x11, 0x22}

	raw := append(append([]byte{}, nonce...), partialKey...)

	e, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, partialKey, e.EphemeralPublicKey)
	assert.Empty(t, e.Ciphertext)
}

func TestFromBytesTooShort(t *testing.T) {
	_, err := FromBytes(bytes.Repeat([]byte{0x01}, NonceSize-1))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestHexRoundTrip(t *testing.T) {
	e := &Envelope{
		Nonce:              bytes.Repeat([]byte{0x05}, NonceSize),
		EphemeralPublicKey: append([]byte{0x03}, bytes.Repeat([]byte{0x44}, 32)...),
		Ciphertext:         []byte("opaque"),
	}

	decoded, err := FromHex(e.ToHex())
	require.NoError(t, err)
	assert.Equal(t, e.Nonce, decoded.Nonce)
	assert.Equal(t, e.EphemeralPublicKey, decoded.EphemeralPublicKey)
	assert.Equal(t, e.Ciphertext, decoded.Ciphertext)
}

func TestFromHexRejectsBadHex(t *testing.T) {
	_, err := FromHex("not hex at all")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
