// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/pushmesh/connector/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format:
//   - Record: msg/{messageID}
//   - Time index: msgts/{sentAtNanos:020d}/{messageID} (empty value)
//
// The time index keeps windowed scans cheap: Recent and DeleteOlderThan
// iterate the index in SentAt order instead of scanning every record.
type MessageStore struct {
	db *badger.DB
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

func msgKey(id string) []byte {
	return []byte("msg/" + id)
}

func msgTimeKey(sentAt time.Time, id string) []byte {
	return fmt.Appendf(nil, "msgts/%020d/%s", sentAt.UnixNano(), id)
}

// Save stores a sent-message record and its time-index entry.
func (m *MessageStore) Save(msg *storage.SentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(msgTimeKey(msg.SentAt, msg.ID), nil)
	})
}

// Get retrieves a record by message ID.
func (m *MessageStore) Get(id string) (*storage.SentMessage, error) {
	var msg *storage.SentMessage

	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			msg = &storage.SentMessage{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Recent returns all records sent within the window, oldest first.
func (m *MessageStore) Recent(window time.Duration) ([]*storage.SentMessage, error) {
	cutoff := time.Now().Add(-window)
	var messages []*storage.SentMessage

	err := m.db.View(func(txn *badger.Txn) error {
		ids, err := m.idsSince(txn, cutoff)
		if err != nil {
			return err
		}

		for _, id := range ids {
			item, err := txn.Get(msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Index entry outlived its record; skip it.
					continue
				}
				return err
			}
			err = item.Value(func(val []byte) error {
				var msg storage.SentMessage
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, &msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
		}
		return nil
	})

	return messages, err
}

// idsSince returns message IDs from the time index at or after the cutoff,
// in SentAt order.
func (m *MessageStore) idsSince(txn *badger.Txn, cutoff time.Time) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("msgts/")
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := fmt.Appendf(nil, "msgts/%020d/", cutoff.UnixNano())

	var ids []string
	for it.Seek(seek); it.Valid(); it.Next() {
		key := it.Item().Key()
		// msgts/{20 digits}/{id}
		if len(key) > 27 {
			ids = append(ids, string(key[27:]))
		}
	}
	return ids, nil
}

// DeleteOlderThan removes records and index entries sent before the cutoff.
func (m *MessageStore) DeleteOlderThan(cutoff time.Time) ([]string, error) {
	var deleted []string

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("msgts/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		limit := fmt.Sprintf("msgts/%020d/", cutoff.UnixNano())

		var keys [][]byte
		var ids []string
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= limit {
				break
			}
			keys = append(keys, key)
			if len(key) > 27 {
				ids = append(ids, string(key[27:]))
			}
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := txn.Delete(msgKey(id)); err != nil {
				return err
			}
			deleted = append(deleted, id)
		}
		return nil
	})

	return deleted, err
}
