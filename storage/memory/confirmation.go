// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"time"

	"github.com/pushmesh/connector/storage"
)

var _ storage.ConfirmationStore = (*ConfirmationStore)(nil)

// ConfirmationStore is an in-memory confirmation store.
type ConfirmationStore struct {
	mu sync.RWMutex

	// messageID -> clientID -> confirmation
	confirms map[string]map[string]*storage.Confirmation
}

// NewConfirmationStore creates a new in-memory confirmation store.
func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{
		confirms: make(map[string]map[string]*storage.Confirmation),
	}
}

// Add appends a confirmation. A repeat confirm from the same client keeps
// the original timestamp.
func (s *ConfirmationStore) Add(messageID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byClient, ok := s.confirms[messageID]
	if !ok {
		byClient = make(map[string]*storage.Confirmation)
		s.confirms[messageID] = byClient
	}
	if _, ok := byClient[clientID]; ok {
		return nil
	}

	byClient[clientID] = &storage.Confirmation{
		MessageID:   messageID,
		ClientID:    clientID,
		ConfirmedAt: time.Now(),
	}
	return nil
}

// ForMessage returns all confirmations recorded for a message.
func (s *ConfirmationStore) ForMessage(messageID string) ([]*storage.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byClient := s.confirms[messageID]
	out := make([]*storage.Confirmation, 0, len(byClient))
	for _, c := range byClient {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// Confirmed returns the set of client IDs that confirmed a message.
func (s *ConfirmationStore) Confirmed(messageID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byClient := s.confirms[messageID]
	out := make(map[string]struct{}, len(byClient))
	for clientID := range byClient {
		out[clientID] = struct{}{}
	}
	return out, nil
}

// DeleteForMessage removes all confirmations for a message.
func (s *ConfirmationStore) DeleteForMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.confirms, messageID)
	return nil
}
