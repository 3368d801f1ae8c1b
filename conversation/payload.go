package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cipher-im/cipherchat/alias"
)

// WireProtocolVersion is the highest handshake protocol version this
// implementation understands.
const WireProtocolVersion = 1

const (
	wirePrefix        = "ciph_msg"
	wireKindHandshake = "handshake"
	payloadType       = "handshake"
)

var (
	// ErrProtocolParse is returned for payloads whose framing or fields are
	// structurally invalid. Parsing never mutates stored state.
	ErrProtocolParse = errors.New("protocol parse error")

	// ErrUnsupportedProtocolVersion is returned for payloads from a newer
	// protocol revision than this implementation supports.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
)

// Payload is the JSON body of a handshake wire message.
type Payload struct {
	Type             string `json:"type"`
	Alias            string `json:"alias"`
	TheirAlias       string `json:"theirAlias,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	ConversationID   string `json:"conversationId"`
	Version          int    `json:"version"`
	RecipientAddress string `json:"recipientAddress,omitempty"`
	SendToRecipient  bool   `json:"sendToRecipient,omitempty"`
	IsResponse       bool   `json:"isResponse,omitempty"`
}

// EncodePayload serializes a payload into the wire form
// ciph_msg:<version>:handshake:<json>.
func EncodePayload(p *Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}
	return fmt.Sprintf("%s:%d:%s:%s", wirePrefix, p.Version, wireKindHandshake, body), nil
}

// IsHandshakePayload reports whether raw is framed as a handshake wire
// message, without validating the JSON body.
func IsHandshakePayload(raw string) bool {
	parts := strings.SplitN(raw, ":", 4)
	return len(parts) == 4 && parts[0] == wirePrefix && parts[2] == wireKindHandshake
}

// DecodePayload parses and validates a wire message. Everything after the
// third colon is the JSON body; the body itself may contain colons. Every
// field the state machine relies on is checked here so the protocol only
// ever sees well-typed values.
func DecodePayload(raw string) (*Payload, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected prefix:version:kind:body", ErrProtocolParse)
	}
	if parts[0] != wirePrefix {
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrProtocolParse, parts[0])
	}

	frameVersion, err := strconv.Atoi(parts[1])
	if err != nil || frameVersion < 0 {
		return nil, fmt.Errorf("%w: bad version field %q", ErrProtocolParse, parts[1])
	}
	if parts[2] != wireKindHandshake {
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrProtocolParse, parts[2])
	}
	if frameVersion > WireProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedProtocolVersion, frameVersion)
	}

	var p Payload
	if err := json.Unmarshal([]byte(parts[3]), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}

	if p.Type != payloadType {
		return nil, fmt.Errorf("%w: body type %q", ErrProtocolParse, p.Type)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: empty conversationId", ErrProtocolParse)
	}
	if !alias.Valid(p.Alias) {
		return nil, fmt.Errorf("%w: %q", alias.ErrInvalidAliasFormat, p.Alias)
	}
	if p.TheirAlias != "" && !alias.Valid(p.TheirAlias) {
		return nil, fmt.Errorf("%w: %q", alias.ErrInvalidAliasFormat, p.TheirAlias)
	}
	if p.Version > WireProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedProtocolVersion, p.Version)
	}

	return &p, nil
}
