// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/pushmesh/connector/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory delivery store.
type Store struct {
	messages      *MessageStore
	confirmations *ConfirmationStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:      NewMessageStore(),
		confirmations: NewConfirmationStore(),
	}
}

// Messages returns the sent-message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Confirmations returns the confirmation store.
func (s *Store) Confirmations() storage.ConfirmationStore {
	return s.confirmations
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
