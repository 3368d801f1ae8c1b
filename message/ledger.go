package message

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cipher-im/cipherchat/conversation"
)

// Contact is the derived per-counterparty summary: the most recent message
// and when it arrived.
type Contact struct {
	Address     string   `json:"address"`
	LastMessage *Message `json:"lastMessage"`
}

// Ledger holds every stored message keyed by the owning wallet address, with
// a contacts projection recomputed on each store. When a stored message is
// itself a handshake payload it is routed through the protocol engine before
// display handling.
type Ledger struct {
	mu       sync.RWMutex
	protocol *conversation.Protocol
	messages map[string][]*Message
	contacts map[string][]*Contact
}

// NewLedger creates an empty ledger bound to a protocol engine. The protocol
// may be nil, in which case embedded handshake payloads are stored without
// protocol routing.
func NewLedger(protocol *conversation.Protocol) *Ledger {
	return &Ledger{
		protocol: protocol,
		messages: make(map[string][]*Message),
		contacts: make(map[string][]*Contact),
	}
}

// Store records a message for the given wallet perspective, deduplicating by
// transaction id. Collisions merge rather than overwrite, and the merge is
// idempotent: storing the same copy again changes nothing.
func (l *Ledger) Store(msg *Message, perspective string) error {
	if msg.TransactionID == "" {
		return ErrMissingTransactionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := l.findLocked(perspective, msg.TransactionID)
	if stored == nil {
		stored = msg.Clone()
		l.messages[perspective] = append(l.messages[perspective], stored)
	} else {
		stored.merge(msg)
	}

	l.routeHandshakeLocked(stored)

	if stored.FileData == nil {
		if fd, ok := parseFileData(stored.Content); ok {
			stored.FileData = fd
		}
	}

	l.contacts[perspective] = l.projectContactsLocked(perspective)
	return nil
}

// Load rebuilds and returns the contacts projection from the full stored
// message list for the address.
func (l *Ledger) Load(perspective string) []*Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	projected := l.projectContactsLocked(perspective)
	l.contacts[perspective] = projected
	return projected
}

// Contacts returns the current projection without recomputing it.
func (l *Ledger) Contacts(perspective string) []*Contact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contacts[perspective]
}

// Messages returns a copy of the stored messages for the address.
func (l *Ledger) Messages(perspective string) []*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Message, 0, len(l.messages[perspective]))
	for _, m := range l.messages[perspective] {
		out = append(out, m.Clone())
	}
	return out
}

// Snapshot returns a deep copy of the whole per-address message map, for the
// backup codec.
func (l *Ledger) Snapshot() map[string][]*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]*Message, len(l.messages))
	for addr, msgs := range l.messages {
		cp := make([]*Message, 0, len(msgs))
		for _, m := range msgs {
			cp = append(cp, m.Clone())
		}
		out[addr] = cp
	}
	return out
}

// Replace installs imported messages for one address, discarding what was
// stored there. Backup import merges per-address, imported side winning.
func (l *Ledger) Replace(perspective string, msgs []*Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.TransactionID == "" {
			logrus.WithFields(logrus.Fields{
				"function": "Replace",
				"address":  perspective,
			}).Warn("Skipping imported message without transaction id")
			continue
		}
		cp = append(cp, m.Clone())
	}
	l.messages[perspective] = cp
	l.contacts[perspective] = l.projectContactsLocked(perspective)
}

// Clear flushes all messages and contacts for one wallet address.
func (l *Ledger) Clear(perspective string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messages, perspective)
	delete(l.contacts, perspective)
}

func (l *Ledger) findLocked(perspective, txID string) *Message {
	for _, m := range l.messages[perspective] {
		if m.TransactionID == txID {
			return m
		}
	}
	return nil
}

// routeHandshakeLocked hands an embedded handshake payload to the protocol
// and swaps the raw wire string for a neutral display string, preserving the
// original in Payload. A payload the protocol rejects keeps its raw content
// so nothing is lost; the failure is surfaced on the event stream.
func (l *Ledger) routeHandshakeLocked(msg *Message) {
	if !conversation.IsHandshakePayload(msg.Content) {
		return
	}
	raw := msg.Content

	if l.protocol != nil {
		if err := l.protocol.Process(msg.SenderAddress, raw); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":       "routeHandshake",
				"transaction_id": msg.TransactionID,
				"error":          err,
			}).Warn("Embedded handshake payload rejected")
			l.protocol.EmitError(fmt.Errorf("handshake in transaction %s: %w", msg.TransactionID, err))
			return
		}
	}

	if msg.Payload == "" {
		msg.Payload = raw
	}
	if p, err := conversation.DecodePayload(raw); err == nil && p.IsResponse {
		msg.Content = HandshakeResponseReceivedText
	} else {
		msg.Content = HandshakeReceivedText
	}
}

// projectContactsLocked derives one contact per counterparty address with
// the newest message, ordered newest first. Self-addressed handshake echoes
// are excluded so the wallet never converses with itself.
func (l *Ledger) projectContactsLocked(perspective string) []*Contact {
	latest := make(map[string]*Message)
	for _, m := range l.messages[perspective] {
		counterparty := m.SenderAddress
		if counterparty == perspective {
			counterparty = m.RecipientAddress
		}
		if counterparty == "" {
			continue
		}
		if counterparty == perspective && isHandshakeMessage(m) {
			continue
		}
		if cur, ok := latest[counterparty]; !ok || m.Timestamp >= cur.Timestamp {
			latest[counterparty] = m
		}
	}

	contacts := make([]*Contact, 0, len(latest))
	for addr, m := range latest {
		contacts = append(contacts, &Contact{Address: addr, LastMessage: m.Clone()})
	}
	sort.Slice(contacts, func(i, j int) bool {
		a, b := contacts[i], contacts[j]
		if a.LastMessage.Timestamp != b.LastMessage.Timestamp {
			return a.LastMessage.Timestamp > b.LastMessage.Timestamp
		}
		return a.Address < b.Address
	})
	return contacts
}

func isHandshakeMessage(m *Message) bool {
	if conversation.IsHandshakePayload(m.Payload) || conversation.IsHandshakePayload(m.Content) {
		return true
	}
	return m.Content == HandshakeReceivedText || m.Content == HandshakeResponseReceivedText
}
