package cipherchat

import (
	"fmt"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipher-im/cipherchat/address"
	"github.com/cipher-im/cipherchat/conversation"
	"github.com/cipher-im/cipherchat/message"
)

// fakeBroadcaster captures broadcast payloads and hands out transaction ids.
type fakeBroadcaster struct {
	payloads []string
	next     int
}

func (b *fakeBroadcaster) Broadcast(payload []byte) (string, error) {
	b.payloads = append(b.payloads, string(payload))
	b.next++
	return fmt.Sprintf("tx-%d", b.next), nil
}

func (b *fakeBroadcaster) last() string {
	return b.payloads[len(b.payloads)-1]
}

// memoryPersistence is an in-memory blob store.
type memoryPersistence struct {
	blobs map[string][]byte
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{blobs: make(map[string][]byte)}
}

func (p *memoryPersistence) Save(key string, blob []byte) error {
	p.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (p *memoryPersistence) Load(key string) ([]byte, error) {
	blob, ok := p.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no blob for %s", key)
	}
	return blob, nil
}

// generateWallet returns a secret key and matching testnet address. The
// x-only address payload implies even parity, so odd keys are negated.
func generateWallet(t *testing.T) ([]byte, string) {
	t.Helper()

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	if priv.PubKey().SerializeCompressed()[0] == 0x03 {
		priv.Key.Negate()
	}

	addr, err := address.Encode("kaspatest", address.VersionPubKey, priv.PubKey().SerializeCompressed()[1:])
	require.NoError(t, err)
	return priv.Serialize(), addr
}

func newTestClient(t *testing.T) (*Client, *fakeBroadcaster, []byte, string) {
	t.Helper()
	secret, addr := generateWallet(t)

	broadcaster := &fakeBroadcaster{}
	options := NewOptions()
	options.WalletAddress = addr
	options.SecretKey = secret
	options.Broadcaster = broadcaster

	client, err := New(options)
	require.NoError(t, err)
	return client, broadcaster, secret, addr
}

func TestNewRequiresValidWalletAddress(t *testing.T) {
	_, err := New(&Options{WalletAddress: "nonsense"})
	assert.ErrorIs(t, err, address.ErrInvalidAddress)

	_, err = New(&Options{})
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}

func TestFullHandshakeAndMessagingFlow(t *testing.T) {
	alice, aliceCast, _, aliceAddr := newTestClient(t)
	bob, bobCast, _, bobAddr := newTestClient(t)

	var aliceCompleted, bobCompleted int
	alice.OnHandshakeCompleted(func(*conversation.Conversation) { aliceCompleted++ })
	bob.OnHandshakeCompleted(func(*conversation.Conversation) { bobCompleted++ })

	// Alice initiates; the encrypted payload is broadcast and lands in one
	// of Bob's transactions.
	aliceConv, txID, err := alice.InitiateHandshake(bobAddr)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)

	require.NoError(t, bob.ProcessTransaction("tx-1", aliceAddr, aliceCast.last()))

	// The duplicate confirmation of the same transaction is a no-op.
	require.NoError(t, bob.ProcessTransaction("tx-1", aliceAddr, aliceCast.last()))

	bobConv, ok := bob.ConversationByAddress(aliceAddr)
	require.True(t, ok)
	assert.Equal(t, aliceConv.ID, bobConv.ID)
	assert.True(t, bobConv.NeedsResponse())

	// Bob's ledger shows a neutral display string for the handshake.
	bobMsgs := bob.Messages()
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, message.HandshakeReceivedText, bobMsgs[0].Content)

	// Bob responds; Alice processes the response, twice.
	_, err = bob.RespondToHandshake(bobConv.ID)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessTransaction("tx-b1", bobAddr, bobCast.last()))
	require.NoError(t, alice.ProcessTransaction("tx-b1", bobAddr, bobCast.last()))

	assert.Equal(t, 1, aliceCompleted)
	assert.Equal(t, 1, bobCompleted)

	active, ok := alice.ConversationByAddress(bobAddr)
	require.True(t, ok)
	assert.Equal(t, conversation.StatusActive, active.Status)
	assert.Len(t, alice.ActiveConversations(), 1)
	assert.Empty(t, alice.PendingConversations())

	// Either alias resolves the conversation.
	_, ok = alice.ConversationByAlias(active.MyAlias)
	assert.True(t, ok)
	_, ok = alice.ConversationByAlias(active.TheirAlias)
	assert.True(t, ok)

	// A chat message flows over the same channel.
	msgTx, err := alice.SendMessage(bobAddr, "hello bob")
	require.NoError(t, err)
	require.NoError(t, bob.ProcessTransaction(msgTx, aliceAddr, aliceCast.last()))

	contacts := bob.Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, aliceAddr, contacts[0].Address)
	assert.Equal(t, "hello bob", contacts[0].LastMessage.Content)
}

func TestInitiateHandshakeIdempotentRetry(t *testing.T) {
	alice, _, _, _ := newTestClient(t)
	_, bobAddr := generateWallet(t)

	initiated := 0
	alice.OnHandshakeInitiated(func(*conversation.Conversation) { initiated++ })

	first, _, err := alice.InitiateHandshake(bobAddr)
	require.NoError(t, err)
	second, _, err := alice.InitiateHandshake(bobAddr)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.MyAlias, second.MyAlias)
	assert.Equal(t, 1, initiated)
}

func TestSendMessageRequiresBroadcaster(t *testing.T) {
	secret, addr := generateWallet(t)
	options := NewOptions()
	options.WalletAddress = addr
	options.SecretKey = secret

	client, err := New(options)
	require.NoError(t, err)

	_, err = client.SendMessage(addr, "hi")
	assert.ErrorIs(t, err, ErrBroadcasterRequired)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	persistence := newMemoryPersistence()

	secret, addr := generateWallet(t)
	_, peerAddr := generateWallet(t)

	options := NewOptions()
	options.WalletAddress = addr
	options.SecretKey = secret
	options.Persistence = persistence

	client, err := New(options)
	require.NoError(t, err)

	conv, _, err := client.InitiateHandshake(peerAddr)
	require.NoError(t, err)
	require.NoError(t, client.Save())

	// A fresh client over the same persistence recovers the conversation.
	restoredOptions := NewOptions()
	restoredOptions.WalletAddress = addr
	restoredOptions.SecretKey = secret
	restoredOptions.Persistence = persistence

	restored, err := New(restoredOptions)
	require.NoError(t, err)
	require.NoError(t, restored.Load())

	got, ok := restored.ConversationByAddress(peerAddr)
	require.True(t, ok)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, conv.MyAlias, got.MyAlias)
	assert.Equal(t, conversation.StatusPending, got.Status)

	// The restored aliases are reserved: a retry reuses them instead of
	// generating a colliding fresh one.
	retried, _, err := restored.InitiateHandshake(peerAddr)
	require.NoError(t, err)
	assert.Equal(t, conv.MyAlias, retried.MyAlias)
}

func TestNewFromBackupSavedata(t *testing.T) {
	client, _, secret, addr := newTestClient(t)
	_, peerAddr := generateWallet(t)

	conv, _, err := client.InitiateHandshake(peerAddr)
	require.NoError(t, err)

	blob, err := client.ExportBackup()
	require.NoError(t, err)

	options := NewOptions()
	options.WalletAddress = addr
	options.SecretKey = secret
	options.SavedataType = SaveDataTypeBackup
	options.SavedataData = blob

	restored, err := New(options)
	require.NoError(t, err)

	got, ok := restored.ConversationByAddress(peerAddr)
	require.True(t, ok)
	assert.Equal(t, conv.ID, got.ID)
}

func TestRejectAndRemoveConversation(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	_, peerAddr := generateWallet(t)

	conv, _, err := client.InitiateHandshake(peerAddr)
	require.NoError(t, err)

	require.NoError(t, client.RejectConversation(conv.ID))
	got, _ := client.ConversationByAddress(peerAddr)
	assert.Equal(t, conversation.StatusRejected, got.Status)

	require.NoError(t, client.RemoveConversation(conv.ID))
	_, ok := client.ConversationByAddress(peerAddr)
	assert.False(t, ok)

	assert.ErrorIs(t, client.RemoveConversation(conv.ID), conversation.ErrConversationNotFound)
}

func TestFlushHistory(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	_, peerAddr := generateWallet(t)

	_, _, err := client.InitiateHandshake(peerAddr)
	require.NoError(t, err)
	require.NoError(t, client.StoreMessage(&message.Message{
		TransactionID: "tx1", SenderAddress: peerAddr, Content: "hi",
	}))

	client.FlushHistory()
	assert.Empty(t, client.ActiveConversations())
	assert.Empty(t, client.PendingConversations())
	assert.Empty(t, client.Messages())
	assert.Empty(t, client.Contacts())
}
