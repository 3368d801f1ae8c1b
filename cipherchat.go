// Package cipherchat implements peer-to-peer encrypted conversations whose
// only transport is an append-only public ledger. Payloads travel as opaque
// transaction data: unordered, possibly duplicated, possibly replayed. The
// core maintains, per counterparty address, a consistent identity handshake
// and a deduplicated message record, and stays idempotent under replay.
//
// Example:
//
//	options := cipherchat.NewOptions()
//	options.WalletAddress = "kaspatest:..."
//	options.SecretKey = secretKey
//
//	client, err := cipherchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnHandshakeCompleted(func(c *conversation.Conversation) {
//	    fmt.Printf("conversation %s is active\n", c.ID)
//	})
//
//	wire, _, err := client.InitiateHandshake("kaspatest:...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = wire // encrypted and broadcast by the configured Broadcaster
package cipherchat

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cipher-im/cipherchat/address"
	"github.com/cipher-im/cipherchat/alias"
	"github.com/cipher-im/cipherchat/backup"
	"github.com/cipher-im/cipherchat/conversation"
	"github.com/cipher-im/cipherchat/crypto"
	"github.com/cipher-im/cipherchat/message"
)

// Persistence stores and loads opaque blobs keyed by an identifier. The
// mechanics behind it are the caller's concern.
type Persistence interface {
	Save(key string, blob []byte) error
	Load(key string) ([]byte, error)
}

// Broadcaster submits an encrypted payload to the ledger and returns the
// transaction id it was carried in.
type Broadcaster interface {
	Broadcast(payload []byte) (string, error)
}

// SaveDataType specifies what Options.SavedataData contains.
type SaveDataType uint8

const (
	// SaveDataTypeNone starts with empty state.
	SaveDataTypeNone SaveDataType = iota
	// SaveDataTypeBackup restores state from an exported backup blob.
	SaveDataTypeBackup
)

// ErrBroadcasterRequired is returned by operations that must submit a
// transaction when no Broadcaster is configured.
var ErrBroadcasterRequired = errors.New("no broadcaster configured")

// Options configures a Client.
type Options struct {
	// WalletAddress is the local wallet address this instance is scoped to.
	WalletAddress string
	// SecretKey is the 32-byte key used to decrypt inbound payloads.
	SecretKey []byte
	// Persistence, when set, backs Save and Load.
	Persistence Persistence
	// Broadcaster, when set, lets SendMessage and handshake operations
	// submit transactions directly.
	Broadcaster Broadcaster

	SavedataType SaveDataType
	SavedataData []byte
}

// NewOptions creates a default Options.
func NewOptions() *Options {
	return &Options{SavedataType: SaveDataTypeNone}
}

// Client is one wallet's messaging instance: the handshake protocol engine,
// the message ledger, and the glue to the injected collaborators.
type Client struct {
	options  *Options
	store    *conversation.Store
	aliases  *alias.Registry
	protocol *conversation.Protocol
	ledger   *message.Ledger
}

// New creates a Client with the given options, restoring saved state when
// the options carry it.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.WalletAddress == "" {
		return nil, fmt.Errorf("%w: wallet address required", address.ErrInvalidAddress)
	}
	if err := address.Validate(options.WalletAddress); err != nil {
		return nil, err
	}

	store := conversation.NewStore()
	registry := alias.NewRegistry()
	protocol := conversation.NewProtocol(store, registry)
	ledger := message.NewLedger(protocol)

	c := &Client{
		options:  options,
		store:    store,
		aliases:  registry,
		protocol: protocol,
		ledger:   ledger,
	}

	if options.SavedataType == SaveDataTypeBackup && len(options.SavedataData) > 0 {
		if err := c.ImportBackup(options.SavedataData); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"wallet":   options.WalletAddress,
	}).Info("Client created")
	return c, nil
}

// OnHandshakeInitiated registers the initiated event callback.
func (c *Client) OnHandshakeInitiated(cb conversation.InitiatedCallback) {
	c.protocol.OnHandshakeInitiated(cb)
}

// OnHandshakeCompleted registers the completed event callback.
func (c *Client) OnHandshakeCompleted(cb conversation.CompletedCallback) {
	c.protocol.OnHandshakeCompleted(cb)
}

// OnError registers the error event callback.
func (c *Client) OnError(cb conversation.ErrorCallback) {
	c.protocol.OnError(cb)
}

// InitiateHandshake starts (or idempotently retries) a handshake toward the
// recipient. When a Broadcaster is configured the payload is encrypted for
// the recipient and submitted; the returned string is the transaction id in
// that case and the plaintext wire payload otherwise.
func (c *Client) InitiateHandshake(recipientAddress string) (*conversation.Conversation, string, error) {
	wire, conv, err := c.protocol.Initiate(recipientAddress)
	if err != nil {
		return nil, "", err
	}
	out, err := c.dispatch(recipientAddress, wire)
	if err != nil {
		return conv, "", err
	}
	return conv, out, nil
}

// RespondToHandshake emits the handshake response for a conversation,
// promoting it to active. Dispatch follows the same rules as
// InitiateHandshake.
func (c *Client) RespondToHandshake(conversationID string) (string, error) {
	conv, ok := c.store.ByID(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, conversationID)
	}
	wire, err := c.protocol.Respond(conversationID)
	if err != nil {
		return "", err
	}
	return c.dispatch(conv.Address, wire)
}

// ProcessTransaction decrypts an inbound transaction payload and stores the
// resulting message, routing embedded handshake payloads through the
// protocol engine.
func (c *Client) ProcessTransaction(txID, senderAddress string, hexPayload string) error {
	plaintext, err := crypto.DecryptHex(hexPayload, c.options.SecretKey)
	if err != nil {
		return err
	}

	msg := &message.Message{
		TransactionID:    txID,
		SenderAddress:    senderAddress,
		RecipientAddress: c.options.WalletAddress,
		Timestamp:        time.Now().UnixMilli(),
		Content:          plaintext,
	}
	return c.ledger.Store(msg, c.options.WalletAddress)
}

// ProcessHandshakePayload applies an already-decrypted handshake wire
// payload from senderAddress.
func (c *Client) ProcessHandshakePayload(senderAddress, wirePayload string) error {
	return c.protocol.Process(senderAddress, wirePayload)
}

// StoreMessage records a message built by the caller, deduplicating by
// transaction id.
func (c *Client) StoreMessage(msg *message.Message) error {
	return c.ledger.Store(msg, c.options.WalletAddress)
}

// SendMessage encrypts content for the recipient, broadcasts it, and stores
// the local copy under the returned transaction id.
func (c *Client) SendMessage(recipientAddress, content string) (string, error) {
	if c.options.Broadcaster == nil {
		return "", ErrBroadcasterRequired
	}

	envelope, err := crypto.EncryptMessage(recipientAddress, content)
	if err != nil {
		return "", err
	}
	txID, err := c.options.Broadcaster.Broadcast([]byte(envelope.ToHex()))
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	msg := &message.Message{
		TransactionID:    txID,
		SenderAddress:    c.options.WalletAddress,
		RecipientAddress: recipientAddress,
		Timestamp:        time.Now().UnixMilli(),
		Content:          content,
	}
	if err := c.ledger.Store(msg, c.options.WalletAddress); err != nil {
		return txID, err
	}
	return txID, nil
}

// Contacts rebuilds and returns the contact projection for the wallet.
func (c *Client) Contacts() []*message.Contact {
	return c.ledger.Load(c.options.WalletAddress)
}

// Messages returns the stored messages for the wallet.
func (c *Client) Messages() []*message.Message {
	return c.ledger.Messages(c.options.WalletAddress)
}

// ActiveConversations returns every active conversation.
func (c *Client) ActiveConversations() []*conversation.Conversation {
	return c.store.Active()
}

// PendingConversations returns every pending conversation.
func (c *Client) PendingConversations() []*conversation.Conversation {
	return c.store.Pending()
}

// ConversationByAddress resolves the conversation indexed for an address.
func (c *Client) ConversationByAddress(addr string) (*conversation.Conversation, bool) {
	return c.store.ByAddress(addr)
}

// ConversationByAlias resolves a conversation by either side's alias.
func (c *Client) ConversationByAlias(a string) (*conversation.Conversation, bool) {
	return c.store.ByAlias(a)
}

// RejectConversation marks a conversation rejected, the explicit terminal
// action.
func (c *Client) RejectConversation(conversationID string) error {
	return c.protocol.Reject(conversationID)
}

// RemoveConversation deletes a conversation and releases its aliases.
func (c *Client) RemoveConversation(conversationID string) error {
	conv, ok := c.store.ByID(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, conversationID)
	}
	if err := c.store.Remove(conversationID); err != nil {
		return err
	}
	if conv.MyAlias != "" {
		c.aliases.Release(conv.MyAlias)
	}
	if conv.TheirAlias != "" {
		c.aliases.Release(conv.TheirAlias)
	}
	return nil
}

// FlushHistory clears the conversation store and the wallet's messages, the
// bulk wallet-history flush.
func (c *Client) FlushHistory() {
	c.store.Clear()
	c.ledger.Clear(c.options.WalletAddress)
}

// ExportBackup serializes conversations and messages into one blob.
// Encrypting the blob is the caller's concern.
func (c *Client) ExportBackup() ([]byte, error) {
	return backup.Export(c.store, c.ledger)
}

// ImportBackup restores a backup blob, reserving every restored alias so
// future generations avoid them.
func (c *Client) ImportBackup(blob []byte) error {
	if err := backup.Import(blob, c.store, c.ledger); err != nil {
		return err
	}
	for _, conv := range c.store.All() {
		if conv.MyAlias != "" {
			_ = c.aliases.Reserve(conv.MyAlias)
		}
		if conv.TheirAlias != "" {
			_ = c.aliases.Reserve(conv.TheirAlias)
		}
	}
	return nil
}

// Save persists the current state through the configured Persistence, keyed
// by the wallet address.
func (c *Client) Save() error {
	if c.options.Persistence == nil {
		return errors.New("no persistence configured")
	}
	blob, err := c.ExportBackup()
	if err != nil {
		return err
	}
	return c.options.Persistence.Save(c.options.WalletAddress, blob)
}

// Load restores state previously written by Save.
func (c *Client) Load() error {
	if c.options.Persistence == nil {
		return errors.New("no persistence configured")
	}
	blob, err := c.options.Persistence.Load(c.options.WalletAddress)
	if err != nil {
		return err
	}
	return c.ImportBackup(blob)
}

// dispatch encrypts and broadcasts a wire payload when a Broadcaster is
// configured, returning the transaction id; otherwise it returns the
// payload unchanged for the caller to transport.
func (c *Client) dispatch(recipientAddress, wire string) (string, error) {
	if c.options.Broadcaster == nil {
		return wire, nil
	}
	envelope, err := crypto.EncryptMessage(recipientAddress, wire)
	if err != nil {
		return "", err
	}
	txID, err := c.options.Broadcaster.Broadcast([]byte(envelope.ToHex()))
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return txID, nil
}
