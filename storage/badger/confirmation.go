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

var _ storage.ConfirmationStore = (*ConfirmationStore)(nil)

// ConfirmationStore implements storage.ConfirmationStore using BadgerDB.
//
// Key format: confirm/{messageID}/{clientID}
//
// The key itself carries the (messageID, clientID) pair, so duplicate
// confirms collapse onto one key and reconciliation reads stay existence
// checks.
type ConfirmationStore struct {
	db *badger.DB
}

// NewConfirmationStore creates a new BadgerDB confirmation store.
func NewConfirmationStore(db *badger.DB) *ConfirmationStore {
	return &ConfirmationStore{db: db}
}

func confirmKey(messageID, clientID string) []byte {
	return []byte("confirm/" + messageID + "/" + clientID)
}

func confirmPrefix(messageID string) []byte {
	return []byte("confirm/" + messageID + "/")
}

// Add appends a confirmation. A repeat confirm keeps the original record.
func (s *ConfirmationStore) Add(messageID, clientID string) error {
	key := confirmKey(messageID, clientID)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already confirmed
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(&storage.Confirmation{
			MessageID:   messageID,
			ClientID:    clientID,
			ConfirmedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal confirmation: %w", err)
		}
		return txn.Set(key, data)
	})
}

// ForMessage returns all confirmations recorded for a message.
func (s *ConfirmationStore) ForMessage(messageID string) ([]*storage.Confirmation, error) {
	var confirms []*storage.Confirmation

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = confirmPrefix(messageID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c storage.Confirmation
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				confirms = append(confirms, &c)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal confirmation: %w", err)
			}
		}
		return nil
	})

	return confirms, err
}

// Confirmed returns the set of client IDs that confirmed a message.
func (s *ConfirmationStore) Confirmed(messageID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	prefix := confirmPrefix(messageID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false // client ID is in the key
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			out[string(key[len(prefix):])] = struct{}{}
		}
		return nil
	})

	return out, err
}

// DeleteForMessage removes all confirmations for a message.
func (s *ConfirmationStore) DeleteForMessage(messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = confirmPrefix(messageID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
