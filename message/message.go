// Package message implements the per-wallet message ledger: transaction-id
// deduplication and merge, routing of embedded handshake payloads into the
// protocol engine, and the derived contacts projection.
package message

import (
	"encoding/json"
	"errors"
)

// ErrMissingTransactionID is returned when storing a message without a
// transaction id; dedup and merge key off it.
var ErrMissingTransactionID = errors.New("message has no transaction id")

// Display strings substituted for raw handshake wire payloads.
const (
	HandshakeReceivedText         = "Handshake message received"
	HandshakeResponseReceivedText = "Handshake response received"
)

// FileData describes a structured file attachment carried in a message.
type FileData struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Message is one ledger transaction's decrypted contents from the wallet's
// perspective. Content is the human-displayable string; Payload holds the
// raw wire string when the message is protocol data. The two are kept
// distinct on purpose.
type Message struct {
	TransactionID    string    `json:"transactionId"`
	SenderAddress    string    `json:"senderAddress"`
	RecipientAddress string    `json:"recipientAddress"`
	Timestamp        int64     `json:"timestamp"`
	Content          string    `json:"content"`
	Amount           uint64    `json:"amount"`
	Fee              uint64    `json:"fee,omitempty"`
	Payload          string    `json:"payload"`
	FileData         *FileData `json:"fileData,omitempty"`
}

// Clone returns a copy of the message, including its file data.
func (m *Message) Clone() *Message {
	cp := *m
	if m.FileData != nil {
		fd := *m.FileData
		cp.FileData = &fd
	}
	return &cp
}

// merge folds another copy of the same transaction into m. Non-empty fields
// win over empty ones and the earlier timestamp is kept, so applying the
// same copy any number of times leaves m unchanged.
func (m *Message) merge(other *Message) {
	if m.Content == "" {
		m.Content = other.Content
	}
	if m.Payload == "" {
		m.Payload = other.Payload
	}
	if m.FileData == nil && other.FileData != nil {
		fd := *other.FileData
		m.FileData = &fd
	}
	if m.SenderAddress == "" {
		m.SenderAddress = other.SenderAddress
	}
	if m.RecipientAddress == "" {
		m.RecipientAddress = other.RecipientAddress
	}
	if other.Timestamp != 0 && (m.Timestamp == 0 || other.Timestamp < m.Timestamp) {
		m.Timestamp = other.Timestamp
	}
	if m.Amount == 0 {
		m.Amount = other.Amount
	}
	if m.Fee == 0 {
		m.Fee = other.Fee
	}
}

// parseFileData reports whether content is a structured file-attachment
// body and returns the typed form if so.
func parseFileData(content string) (*FileData, bool) {
	if len(content) == 0 || content[0] != '{' {
		return nil, false
	}
	var fd FileData
	if err := json.Unmarshal([]byte(content), &fd); err != nil {
		return nil, false
	}
	if fd.Type != "file" || fd.Name == "" {
		return nil, false
	}
	return &fd, true
}
