package conversation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cipher-im/cipherchat/address"
	"github.com/cipher-im/cipherchat/alias"
)

// InitiatedCallback is invoked when a new outbound handshake is created.
// Idempotent retries of the same handshake do not fire it again.
type InitiatedCallback func(c *Conversation)

// CompletedCallback is invoked exactly once when a conversation reaches the
// active state; replayed responses do not fire it again.
type CompletedCallback func(c *Conversation)

// ErrorCallback is invoked for recoverable protocol failures surfaced
// through the event stream.
type ErrorCallback func(err error)

// Protocol is the handshake state machine. It owns every transition of a
// conversation's status and is the only writer of the store's records.
//
// The ledger transport gives no ordering or delivery guarantee, so every
// operation here tolerates duplication and arbitrary arrival order.
type Protocol struct {
	mu      sync.Mutex
	store   *Store
	aliases *alias.Registry
	clock   TimeProvider

	initiatedCallback InitiatedCallback
	completedCallback CompletedCallback
	errorCallback     ErrorCallback
}

// NewProtocol creates a protocol engine over the given store and alias
// registry. Aliases already present in the store are reserved so fresh
// generations cannot collide with them.
func NewProtocol(store *Store, registry *alias.Registry) *Protocol {
	return NewProtocolWithTimeProvider(store, registry, DefaultTimeProvider{})
}

// NewProtocolWithTimeProvider creates a protocol engine with a custom clock
// for deterministic tests.
func NewProtocolWithTimeProvider(store *Store, registry *alias.Registry, clock TimeProvider) *Protocol {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	p := &Protocol{store: store, aliases: registry, clock: clock}
	p.adoptStoredAliases()
	return p
}

func (p *Protocol) adoptStoredAliases() {
	for _, c := range p.store.All() {
		if c.MyAlias != "" {
			_ = p.aliases.Reserve(c.MyAlias)
		}
		if c.TheirAlias != "" {
			_ = p.aliases.Reserve(c.TheirAlias)
		}
	}
}

// OnHandshakeInitiated registers the initiated event callback.
func (p *Protocol) OnHandshakeInitiated(cb InitiatedCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiatedCallback = cb
}

// OnHandshakeCompleted registers the completed event callback.
func (p *Protocol) OnHandshakeCompleted(cb CompletedCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completedCallback = cb
}

// OnError registers the error event callback.
func (p *Protocol) OnError(cb ErrorCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCallback = cb
}

// EmitError surfaces a recoverable failure through the event stream.
func (p *Protocol) EmitError(err error) {
	p.mu.Lock()
	cb := p.errorCallback
	p.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Store returns the underlying conversation store.
func (p *Protocol) Store() *Store {
	return p.store
}

// Initiate starts (or idempotently retries) a handshake toward the given
// address and returns the wire payload to encrypt and broadcast, plus the
// conversation record.
func (p *Protocol) Initiate(recipientAddress string) (string, *Conversation, error) {
	if err := address.Validate(recipientAddress); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.store.ByAddress(recipientAddress); ok {
		switch existing.Status {
		case StatusActive:
			return "", nil, fmt.Errorf("%w: %s", ErrConversationAlreadyActive, recipientAddress)
		case StatusPending:
			if existing.InitiatedByMe {
				return p.retryInitiate(existing)
			}
			// The peer initiated and a response is owed; starting a second
			// handshake here would shadow their record in the address index.
			return "", nil, fmt.Errorf("%w: respond to the peer's pending handshake instead", ErrInvalidConversationState)
		case StatusRejected:
			// A rejected record is terminal; fall through and replace its
			// address slot with a fresh conversation.
		}
	}

	myAlias, err := p.aliases.GenerateUnique()
	if err != nil {
		return "", nil, err
	}

	now := p.clock.Now()
	conv := &Conversation{
		ID:            uuid.NewString(),
		MyAlias:       myAlias,
		Address:       recipientAddress,
		Status:        StatusPending,
		CreatedAt:     now,
		LastActivity:  now,
		InitiatedByMe: true,
	}

	wire, err := EncodePayload(p.outboundPayload(conv, false))
	if err != nil {
		p.aliases.Release(myAlias)
		return "", nil, err
	}

	p.store.Save(conv)

	logrus.WithFields(logrus.Fields{
		"function":        "Initiate",
		"conversation_id": conv.ID,
		"my_alias":        conv.MyAlias,
	}).Info("Handshake initiated")

	if p.initiatedCallback != nil {
		p.initiatedCallback(conv)
	}
	return wire, conv, nil
}

// retryInitiate re-emits the original handshake payload without creating a
// duplicate record or re-firing the initiated event.
func (p *Protocol) retryInitiate(existing *Conversation) (string, *Conversation, error) {
	existing.LastActivity = p.clock.Now()
	if err := p.store.Update(existing); err != nil {
		return "", nil, err
	}

	wire, err := EncodePayload(p.outboundPayload(existing, false))
	if err != nil {
		return "", nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Initiate",
		"conversation_id": existing.ID,
	}).Debug("Re-emitting pending handshake")

	return wire, existing, nil
}

// Respond produces the response payload for a conversation whose
// counterparty alias is known, promoting it to active if it was pending.
func (p *Protocol) Respond(conversationID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.store.ByID(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if conv.TheirAlias == "" {
		return "", fmt.Errorf("%w: counterparty alias not yet known", ErrInvalidConversationState)
	}
	if conv.Status == StatusRejected {
		return "", fmt.Errorf("%w: conversation is rejected", ErrInvalidConversationState)
	}

	if conv.Status != StatusActive {
		p.activate(conv)
	}

	return EncodePayload(p.outboundPayload(conv, true))
}

// Process applies an inbound decrypted wire payload from senderAddress to
// the store. Malformed payloads fail without touching any state; replayed
// payloads are no-ops.
func (p *Protocol) Process(senderAddress, wirePayload string) error {
	payload, err := DecodePayload(wirePayload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conv, ok := p.store.ByID(payload.ConversationID); ok {
		return p.processKnownConversation(conv, payload)
	}
	if conv, ok := p.store.ByAddress(senderAddress); ok {
		return p.processKnownAddress(conv, payload)
	}
	return p.processFirstContact(senderAddress, payload)
}

// processKnownConversation handles a payload whose conversationId matches a
// stored record. A response to a pending conversation completes the
// handshake; anything else has already been applied and is a no-op.
func (p *Protocol) processKnownConversation(conv *Conversation, payload *Payload) error {
	if payload.IsResponse && conv.Status == StatusPending {
		if conv.TheirAlias == "" {
			conv.TheirAlias = payload.Alias
			_ = p.aliases.Reserve(payload.Alias)
		}
		p.activate(conv)
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Process",
		"conversation_id": conv.ID,
		"status":          conv.Status,
		"is_response":     payload.IsResponse,
	}).Debug("Replayed handshake payload ignored")
	return nil
}

// processKnownAddress handles a payload whose conversationId is unknown but
// whose sender address is indexed. A non-response means the peer lost its
// local state and is re-initiating: the existing record keeps its id, adopts
// the peer's new alias, and drops back to pending until a fresh response is
// sent. This preserves the one-conversation-per-address invariant.
func (p *Protocol) processKnownAddress(conv *Conversation, payload *Payload) error {
	if !payload.IsResponse {
		if conv.TheirAlias != payload.Alias {
			if conv.TheirAlias != "" {
				p.aliases.Release(conv.TheirAlias)
			}
			conv.TheirAlias = payload.Alias
			_ = p.aliases.Reserve(payload.Alias)
		}
		conv.Status = StatusPending
		conv.InitiatedByMe = false
		conv.LastActivity = p.clock.Now()
		if err := p.store.Update(conv); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":        "Process",
			"conversation_id": conv.ID,
			"their_alias":     conv.TheirAlias,
		}).Info("Peer re-initiated handshake, updated existing conversation")
		return nil
	}

	// A response under an unknown id: the peer regenerated its record. Treat
	// it as the response to the indexed conversation.
	if conv.Status == StatusPending {
		if conv.TheirAlias == "" {
			conv.TheirAlias = payload.Alias
			_ = p.aliases.Reserve(payload.Alias)
		}
		p.activate(conv)
	}
	return nil
}

// processFirstContact creates a conversation for a sender with no stored
// state. The conversationId comes from the payload so both sides agree on
// it.
func (p *Protocol) processFirstContact(senderAddress string, payload *Payload) error {
	now := p.clock.Now()
	conv := &Conversation{
		ID:            payload.ConversationID,
		TheirAlias:    payload.Alias,
		Address:       senderAddress,
		Status:        StatusPending,
		CreatedAt:     now,
		LastActivity:  now,
		InitiatedByMe: false,
	}
	_ = p.aliases.Reserve(payload.Alias)

	if payload.IsResponse && alias.Valid(payload.TheirAlias) {
		// The response names our side's alias; adopt it and accept the
		// conversation as established (our own record was lost).
		conv.MyAlias = payload.TheirAlias
		_ = p.aliases.Reserve(payload.TheirAlias)
		conv.Status = StatusActive
		p.store.Save(conv)

		logrus.WithFields(logrus.Fields{
			"function":        "Process",
			"conversation_id": conv.ID,
			"my_alias":        conv.MyAlias,
		}).Info("Recovered active conversation from handshake response")

		if p.completedCallback != nil {
			p.completedCallback(conv)
		}
		return nil
	}

	myAlias, err := p.aliases.GenerateUnique()
	if err != nil {
		return err
	}
	conv.MyAlias = myAlias
	p.store.Save(conv)

	logrus.WithFields(logrus.Fields{
		"function":        "Process",
		"conversation_id": conv.ID,
		"their_alias":     conv.TheirAlias,
	}).Info("Inbound handshake created conversation, response owed")
	return nil
}

// Reject marks a conversation rejected. This is the explicit external action
// of the terminal state; no protocol message ever triggers it.
func (p *Protocol) Reject(conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.store.ByID(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	conv.Status = StatusRejected
	conv.LastActivity = p.clock.Now()
	return p.store.Update(conv)
}

// activate promotes a conversation to active, updating the store and firing
// the completed event exactly once. Callers check the current status first.
func (p *Protocol) activate(conv *Conversation) {
	conv.Status = StatusActive
	conv.LastActivity = p.clock.Now()
	if err := p.store.Update(conv); err != nil {
		// The record was fetched from the store under the same lock.
		logrus.WithError(err).Error("Failed to update conversation on activation")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":        "activate",
		"conversation_id": conv.ID,
		"their_alias":     conv.TheirAlias,
	}).Info("Handshake completed")

	if p.completedCallback != nil {
		p.completedCallback(conv)
	}
}

func (p *Protocol) outboundPayload(conv *Conversation, isResponse bool) *Payload {
	payload := &Payload{
		Type:           payloadType,
		Alias:          conv.MyAlias,
		Timestamp:      p.clock.Now().UnixMilli(),
		ConversationID: conv.ID,
		Version:        WireProtocolVersion,
	}
	if isResponse {
		payload.TheirAlias = conv.TheirAlias
		payload.IsResponse = true
	} else {
		payload.RecipientAddress = conv.Address
		payload.SendToRecipient = true
	}
	return payload
}
