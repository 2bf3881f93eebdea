// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the delivery-store interfaces: the durable log of
// sent messages and the per-message confirmation records that the retry
// reconciliation reads. Backends live in storage/memory and storage/badger.
package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
)

// SentMessage is a durable record of a notification handed to the delivery
// tier. An empty Target marks a broadcast. Records are immutable once
// written; the publisher tier creates them when a notification is first sent.
type SentMessage struct {
	ID      string    `json:"id"`
	Target  string    `json:"target,omitempty"`
	Content []byte    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// Broadcast reports whether the message is addressed to every client.
func (m *SentMessage) Broadcast() bool {
	return m.Target == ""
}

// Confirmation records that a client acknowledged receipt of a message.
// Append-only; a duplicate confirm from the same client is a no-op.
type Confirmation struct {
	MessageID   string    `json:"message_id"`
	ClientID    string    `json:"client_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Store is the composite delivery store.
type Store interface {
	// Messages returns the sent-message store.
	Messages() MessageStore

	// Confirmations returns the confirmation store.
	Confirmations() ConfirmationStore

	// Close closes all storage backends.
	Close() error
}

// MessageStore persists sent-message records.
type MessageStore interface {
	// Save stores a sent-message record.
	Save(msg *SentMessage) error

	// Get retrieves a record by message ID.
	Get(id string) (*SentMessage, error)

	// Recent returns all records with SentAt within the given window,
	// ordered by SentAt ascending.
	Recent(window time.Duration) ([]*SentMessage, error)

	// DeleteOlderThan removes records sent before the cutoff and returns
	// the IDs of the removed messages, so callers can prune dependent
	// confirmation records.
	DeleteOlderThan(cutoff time.Time) ([]string, error)
}

// ConfirmationStore persists per-message confirmation records.
type ConfirmationStore interface {
	// Add appends a confirmation. Duplicate (messageID, clientID) pairs
	// are absorbed silently.
	Add(messageID, clientID string) error

	// ForMessage returns all confirmations recorded for a message.
	ForMessage(messageID string) ([]*Confirmation, error)

	// Confirmed returns the set of client IDs that confirmed a message.
	Confirmed(messageID string) (map[string]struct{}, error)

	// DeleteForMessage removes all confirmations for a message.
	DeleteForMessage(messageID string) error
}
