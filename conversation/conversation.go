// Package conversation implements the handshake protocol engine: the
// conversation registry and the state machine that turns inbound and
// outbound wire payloads into state transitions.
//
// The transport is an append-only public ledger. Payloads arrive unordered,
// duplicated, and possibly replayed, so every transition here is safe to
// apply more than once.
//
// Example:
//
//	store := conversation.NewStore()
//	proto := conversation.NewProtocol(store, alias.NewRegistry())
//	wire, conv, err := proto.Initiate("kaspatest:...")
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/cipher-im/cipherchat/alias"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	// StatusPending means the handshake has not completed; one side still
	// owes a response.
	StatusPending Status = "pending"
	// StatusActive means both sides have learned each other's alias.
	StatusActive Status = "active"
	// StatusRejected is terminal and only reachable by explicit local action,
	// never by a protocol message.
	StatusRejected Status = "rejected"
)

var (
	// ErrConversationNotFound is returned when no record matches the lookup.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationAlreadyActive is returned when initiating toward an
	// address that already has an active conversation.
	ErrConversationAlreadyActive = errors.New("conversation already active")

	// ErrInvalidConversationState is returned when an operation is not legal
	// in the conversation's current state.
	ErrInvalidConversationState = errors.New("invalid conversation state")

	// ErrInvalidRecord is returned by validated construction of a
	// conversation from untrusted data.
	ErrInvalidRecord = errors.New("invalid conversation record")
)

// Conversation is one handshake relationship with a counterparty address.
type Conversation struct {
	ID            string    `json:"conversationId"`
	MyAlias       string    `json:"myAlias"`
	TheirAlias    string    `json:"theirAlias,omitempty"`
	Address       string    `json:"counterpartyAddress"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	InitiatedByMe bool      `json:"initiatedByMe"`
}

// NeedsResponse reports whether the local side still owes the counterparty a
// handshake response.
func (c *Conversation) NeedsResponse() bool {
	return c.Status == StatusPending && !c.InitiatedByMe && c.TheirAlias != ""
}

// Clone returns a shallow copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	return &cp
}

// Validate is the smart constructor gate used when a conversation arrives
// from untrusted data, such as a backup blob. It checks every field the
// protocol relies on and returns a structured rejection instead of letting a
// half-formed record into the store.
func (c *Conversation) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: empty conversationId", ErrInvalidRecord)
	}
	if !alias.Valid(c.MyAlias) {
		return fmt.Errorf("%w: myAlias %q", ErrInvalidRecord, c.MyAlias)
	}
	if c.TheirAlias != "" && !alias.Valid(c.TheirAlias) {
		return fmt.Errorf("%w: theirAlias %q", ErrInvalidRecord, c.TheirAlias)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: empty counterparty address", ErrInvalidRecord)
	}
	switch c.Status {
	case StatusPending, StatusActive, StatusRejected:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, c.Status)
	}
	return nil
}

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
