// Package address implements parsing and validation of Kaspa wallet
// addresses, the cashaddr-style bech32 encoding used on the Kaspa network.
//
// An address is <prefix>:<data> where data is the version byte plus the
// public key payload in the 5-bit bech32 alphabet, followed by an 8
// character checksum.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned for any address that fails syntactic or
// checksum validation.
var ErrInvalidAddress = errors.New("invalid address")

// Version identifies the payload type carried by an address.
type Version byte

const (
	// VersionPubKey is a 32-byte schnorr x-only public key.
	VersionPubKey Version = 0
	// VersionPubKeyECDSA is a 33-byte SEC1 compressed ECDSA public key.
	VersionPubKeyECDSA Version = 1
	// VersionScriptHash is a 32-byte script hash.
	VersionScriptHash Version = 8
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const checksumLength = 8

var knownPrefixes = map[string]struct{}{
	"kaspa":     {},
	"kaspatest": {},
	"kaspasim":  {},
	"kaspadev":  {},
}

// Address is a decoded Kaspa address.
type Address struct {
	Prefix  string
	Version Version
	Payload []byte
}

// Decode parses and validates an encoded address string.
func Decode(encoded string) (*Address, error) {
	if strings.ToLower(encoded) != encoded {
		return nil, fmt.Errorf("%w: mixed case", ErrInvalidAddress)
	}

	sep := strings.IndexByte(encoded, ':')
	if sep < 1 {
		return nil, fmt.Errorf("%w: missing prefix", ErrInvalidAddress)
	}
	prefix := encoded[:sep]
	data := encoded[sep+1:]

	if _, ok := knownPrefixes[prefix]; !ok {
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrInvalidAddress, prefix)
	}
	if len(data) <= checksumLength {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidAddress)
	}

	decoded := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		idx := strings.IndexByte(charset, data[i])
		if idx < 0 {
			return nil, fmt.Errorf("%w: invalid character %q", ErrInvalidAddress, data[i])
		}
		decoded = append(decoded, byte(idx))
	}

	if !verifyChecksum(prefix, decoded) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	converted, err := convertBits(decoded[:len(decoded)-checksumLength], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}

	version := Version(converted[0])
	payload := converted[1:]
	if err := checkPayloadLength(version, len(payload)); err != nil {
		return nil, err
	}

	return &Address{Prefix: prefix, Version: version, Payload: payload}, nil
}

// Validate reports whether the encoded string is a well-formed address.
func Validate(encoded string) error {
	_, err := Decode(encoded)
	return err
}

// Encode builds the string form of an address from its parts.
func Encode(prefix string, version Version, payload []byte) (string, error) {
	if _, ok := knownPrefixes[prefix]; !ok {
		return "", fmt.Errorf("%w: unknown prefix %q", ErrInvalidAddress, prefix)
	}
	if err := checkPayloadLength(version, len(payload)); err != nil {
		return "", err
	}

	data := make([]byte, 0, len(payload)+1)
	data = append(data, byte(version))
	data = append(data, payload...)

	converted, err := convertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	converted = append(converted, checksum(prefix, converted)...)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, v := range converted {
		sb.WriteByte(charset[v])
	}
	return sb.String(), nil
}

// String re-encodes the address. The address is assumed to have come from
// Decode or Encode, so re-encoding cannot fail.
func (a *Address) String() string {
	encoded, _ := Encode(a.Prefix, a.Version, a.Payload)
	return encoded
}

func checkPayloadLength(version Version, length int) error {
	var want int
	switch version {
	case VersionPubKey, VersionScriptHash:
		want = 32
	case VersionPubKeyECDSA:
		want = 33
	default:
		return fmt.Errorf("%w: unknown version %d", ErrInvalidAddress, version)
	}
	if length != want {
		return fmt.Errorf("%w: payload length %d, want %d", ErrInvalidAddress, length, want)
	}
	return nil
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1<<toBits) - 1
	ret := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)

	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, fmt.Errorf("value %d exceeds %d bits", b, fromBits)
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte(acc>>bits&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, errors.New("invalid padding bits")
	}
	return ret, nil
}

// polyMod is the cashaddr checksum generator over 5-bit groups.
func polyMod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = (c&0x07ffffffff)<<5 ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func checksumInput(prefix string, data []byte) []byte {
	values := make([]byte, 0, len(prefix)+1+len(data))
	for i := 0; i < len(prefix); i++ {
		values = append(values, prefix[i]&0x1f)
	}
	values = append(values, 0)
	values = append(values, data...)
	return values
}

func checksum(prefix string, data []byte) []byte {
	values := append(checksumInput(prefix, data), make([]byte, checksumLength)...)
	pm := polyMod(values)
	chk := make([]byte, checksumLength)
	for i := 0; i < checksumLength; i++ {
		chk[i] = byte(pm >> uint(5*(checksumLength-1-i)) & 31)
	}
	return chk
}

func verifyChecksum(prefix string, data []byte) bool {
	return polyMod(checksumInput(prefix, data)) == 0
}
