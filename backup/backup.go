// Package backup serializes the conversation store and the message ledger
// into one blob for export, and restores it record by record on import.
// Encryption of the blob is the caller's concern.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cipher-im/cipherchat/conversation"
	"github.com/cipher-im/cipherchat/message"
)

// SnapshotVersion is the current backup format version.
const SnapshotVersion = 1

// ErrBackupValidation is returned when a blob is structurally unusable.
// Individual bad conversation records are skipped, not fatal.
var ErrBackupValidation = errors.New("backup validation error")

// Snapshot is the serialized form of a wallet's conversation and message
// state.
type Snapshot struct {
	Version       int                           `json:"version"`
	ExportedAt    int64                         `json:"exportedAt"`
	Conversations SnapshotConversations         `json:"conversations"`
	Messages      map[string][]*message.Message `json:"messages"`
}

// SnapshotConversations splits the exported records by status.
type SnapshotConversations struct {
	Active  []*conversation.Conversation `json:"active"`
	Pending []*conversation.Conversation `json:"pending"`
}

// Export serializes the store's active and pending conversations and the
// ledger's full message map.
func Export(store *conversation.Store, ledger *message.Ledger) ([]byte, error) {
	snapshot := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: time.Now().UnixMilli(),
		Conversations: SnapshotConversations{
			Active:  cloneAll(store.Active()),
			Pending: cloneAll(store.Pending()),
		},
		Messages: ledger.Snapshot(),
	}

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupValidation, err)
	}
	return blob, nil
}

// Import replays a snapshot into the store and ledger. Message maps merge
// key by key with the imported side winning per address. Each conversation
// goes through the store's validated restore; a corrupt record is logged and
// skipped so it cannot block recovery of the rest.
func Import(blob []byte, store *conversation.Store, ledger *message.Ledger) error {
	var snapshot Snapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupValidation, err)
	}
	if snapshot.Version > SnapshotVersion {
		return fmt.Errorf("%w: version %d not supported", ErrBackupValidation, snapshot.Version)
	}

	for addr, msgs := range snapshot.Messages {
		ledger.Replace(addr, msgs)
	}

	records := make([]*conversation.Conversation, 0,
		len(snapshot.Conversations.Active)+len(snapshot.Conversations.Pending))
	records = append(records, snapshot.Conversations.Active...)
	records = append(records, snapshot.Conversations.Pending...)

	restored := 0
	for _, rec := range records {
		if err := store.Restore(rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Import",
				"error":    err,
			}).Warn("Skipping invalid conversation record")
			continue
		}
		restored++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Import",
		"restored":  restored,
		"skipped":   len(records) - restored,
		"addresses": len(snapshot.Messages),
	}).Info("Backup imported")
	return nil
}

func cloneAll(in []*conversation.Conversation) []*conversation.Conversation {
	out := make([]*conversation.Conversation, 0, len(in))
	for _, c := range in {
		out = append(out, c.Clone())
	}
	return out
}
