// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

// Package badger implements the delivery store on BadgerDB.
package badger

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/pushmesh/connector/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB delivery store.
type Store struct {
	db *badger.DB

	messages      *MessageStore
	confirmations *ConfirmationStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Async writes: unconfirmed messages are resent by reconciliation, so a
	// lost write is recovered by the retry path. SyncWrites fsyncs on every
	// write, which is 10-100x slower.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:            db,
		messages:      NewMessageStore(db),
		confirmations: NewConfirmationStore(db),
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Messages returns the sent-message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Confirmations returns the confirmation store.
func (s *Store) Confirmations() storage.ConfirmationStore {
	return s.confirmations
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim if 50%+ of a value log file is garbage. May return
			// an error when no GC was needed, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip final GC to avoid vlog corruption during close.
			return
		}
	}
}
