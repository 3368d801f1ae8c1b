// Package crypto implements the encrypted message envelope carried inside
// ledger transactions.
//
// The envelope is nonce || ephemeral public key || ciphertext, usually
// transported hex-encoded. Key agreement is an ephemeral ECDH on secp256k1
// against the key embedded in the recipient's address, expanded through
// HKDF-SHA256 into a ChaCha20-Poly1305 key.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = 12

	// CompressedKeySize is a SEC1 compressed secp256k1 point.
	CompressedKeySize = 33

	// LegacyKeySize is the x-only ephemeral key length older clients emit.
	LegacyKeySize = 32
)

// ErrMalformedEnvelope is returned when envelope bytes cannot carry a nonce.
var ErrMalformedEnvelope = errors.New("malformed encrypted envelope")

// Envelope is a parsed encrypted message.
type Envelope struct {
	Nonce              []byte
	EphemeralPublicKey []byte
	Ciphertext         []byte
}

// ToBytes serializes the envelope as nonce || key || ciphertext.
func (e *Envelope) ToBytes() []byte {
	out := make([]byte, 0, len(e.Nonce)+len(e.EphemeralPublicKey)+len(e.Ciphertext))
	out = append(out, e.Nonce...)
	out = append(out, e.EphemeralPublicKey...)
	out = append(out, e.Ciphertext...)
	return out
}

// FromBytes splits raw envelope bytes. The ephemeral key length is detected
// from the SEC1 compression marker: a 0x02/0x03 byte after the nonce means a
// 33-byte compressed key, anything else is treated as a 32-byte legacy key.
// Inputs truncated after the nonce are tolerated and yield a short key with
// an empty ciphertext, matching what existing clients produce on the wire.
func FromBytes(raw []byte) (*Envelope, error) {
	if len(raw) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(raw))
	}

	nonce := append([]byte(nil), raw[:NonceSize]...)
	rest := raw[NonceSize:]

	keySize := LegacyKeySize
	if len(rest) > 0 && (rest[0] == 0x02 || rest[0] == 0x03) {
		keySize = CompressedKeySize
	}

	if len(rest) < keySize {
		return &Envelope{
			Nonce:              nonce,
			EphemeralPublicKey: append([]byte(nil), rest...),
			Ciphertext:         nil,
		}, nil
	}

	return &Envelope{
		Nonce:              nonce,
		EphemeralPublicKey: append([]byte(nil), rest[:keySize]...),
		Ciphertext:         append([]byte(nil), rest[keySize:]...),
	}, nil
}

// ToHex returns the hex transport encoding of the envelope.
func (e *Envelope) ToHex() string {
	return hex.EncodeToString(e.ToBytes())
}

// FromHex parses a hex transport encoding.
func FromHex(s string) (*Envelope, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return FromBytes(raw)
}
