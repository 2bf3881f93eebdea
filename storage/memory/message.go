// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/pushmesh/connector/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory sent-message store.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]*storage.SentMessage
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[string]*storage.SentMessage),
	}
}

// Save stores a sent-message record.
func (s *MessageStore) Save(msg *storage.SentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = copyMessage(msg)
	return nil
}

// Get retrieves a record by message ID.
func (s *MessageStore) Get(id string) (*storage.SentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyMessage(msg), nil
}

// Recent returns all records sent within the window, oldest first.
func (s *MessageStore) Recent(window time.Duration) ([]*storage.SentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []*storage.SentMessage
	for _, msg := range s.messages {
		if msg.SentAt.After(cutoff) {
			out = append(out, copyMessage(msg))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

// DeleteOlderThan removes records sent before the cutoff.
func (s *MessageStore) DeleteOlderThan(cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []string
	for id, msg := range s.messages {
		if msg.SentAt.Before(cutoff) {
			delete(s.messages, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func copyMessage(msg *storage.SentMessage) *storage.SentMessage {
	cp := &storage.SentMessage{
		ID:     msg.ID,
		Target: msg.Target,
		SentAt: msg.SentAt,
	}
	if len(msg.Content) > 0 {
		cp.Content = make([]byte, len(msg.Content))
		copy(cp.Content, msg.Content)
	}
	return cp
}
