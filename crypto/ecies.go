package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cipher-im/cipherchat/address"
)

// ErrDecryptionFailed is returned when an envelope cannot be opened with the
// supplied key, either because the key is wrong or the data is corrupted.
var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptMessage encrypts plaintext for the holder of the given address.
// The recipient key is recovered from the address payload; x-only payloads
// are lifted with even parity.
func EncryptMessage(receiverAddress, plaintext string) (*Envelope, error) {
	addr, err := address.Decode(receiverAddress)
	if err != nil {
		return nil, err
	}

	receiverPub, err := publicKeyFromAddress(addr)
	if err != nil {
		return nil, err
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}

	key, err := deriveKey(ephemeral, receiverPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return &Envelope{
		Nonce:              nonce,
		EphemeralPublicKey: ephemeral.PubKey().SerializeCompressed(),
		Ciphertext:         aead.Seal(nil, nonce, []byte(plaintext), nil),
	}, nil
}

// DecryptMessage opens an envelope with the recipient's secret key and
// returns the plaintext.
func DecryptMessage(envelope *Envelope, secretKey []byte) (string, error) {
	if len(secretKey) != 32 {
		return "", fmt.Errorf("%w: secret key must be 32 bytes", ErrDecryptionFailed)
	}
	priv := secp256k1.PrivKeyFromBytes(secretKey)

	ephemeralPub, err := parseEphemeralKey(envelope.EphemeralPublicKey)
	if err != nil {
		return "", err
	}

	key, err := deriveKey(priv, ephemeralPub)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	if len(envelope.Nonce) != NonceSize {
		return "", fmt.Errorf("%w: bad nonce length %d", ErrDecryptionFailed, len(envelope.Nonce))
	}

	plaintext, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: incorrect key or corrupted data", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// DecryptHex is a convenience wrapper for the hex transport encoding.
func DecryptHex(encryptedHex string, secretKey []byte) (string, error) {
	envelope, err := FromHex(encryptedHex)
	if err != nil {
		return "", err
	}
	return DecryptMessage(envelope, secretKey)
}

// DerivePublicKey returns the hex SEC1 compressed public key for a candidate
// secret key, for sanity-checking key material before attempting decryption.
func DerivePublicKey(secretKey []byte) (string, error) {
	if len(secretKey) != 32 {
		return "", errors.New("secret key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(secretKey)
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// deriveKey runs the shared ECDH x-coordinate through HKDF-SHA256 with no
// salt and no info, the expansion the counterpart clients use.
func deriveKey(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) ([]byte, error) {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	return key, nil
}

func publicKeyFromAddress(addr *address.Address) (*secp256k1.PublicKey, error) {
	switch addr.Version {
	case address.VersionPubKey:
		return liftXOnly(addr.Payload)
	case address.VersionPubKeyECDSA:
		pub, err := secp256k1.ParsePubKey(addr.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", address.ErrInvalidAddress, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: version %d carries no public key", address.ErrInvalidAddress, addr.Version)
	}
}

func parseEphemeralKey(key []byte) (*secp256k1.PublicKey, error) {
	switch len(key) {
	case CompressedKeySize:
		pub, err := secp256k1.ParsePubKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ephemeral key", ErrDecryptionFailed)
		}
		return pub, nil
	case LegacyKeySize:
		return liftXOnly(key)
	default:
		return nil, fmt.Errorf("%w: ephemeral key length %d", ErrDecryptionFailed, len(key))
	}
}

// liftXOnly interprets 32 bytes as an x coordinate with even parity.
func liftXOnly(x []byte) (*secp256k1.PublicKey, error) {
	compressed := make([]byte, 0, CompressedKeySize)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, x...)
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("invalid x-only public key: %w", err)
	}
	return pub, nil
}
