// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"sync"
	"time"
)

// TagSet recognizes redeliveries of recently seen broker delivery tags.
//
// Membership is time-windowed: entries older than the window are swept out,
// so the set stays bounded no matter how long the process runs. Delivery
// tags are monotonic per channel, so anything older than the window can no
// longer arrive as a duplicate.
type TagSet struct {
	mu   sync.Mutex
	seen map[uint64]time.Time

	window time.Duration

	stopCh  chan struct{}
	stopped sync.Once
}

// NewTagSet creates a tag set and starts its eviction sweep.
func NewTagSet(window, sweepInterval time.Duration) *TagSet {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &TagSet{
		seen:   make(map[uint64]time.Time),
		window: window,
		stopCh: make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// CheckAndMark records the tag and reports whether it was new. The check
// and the insert are a single operation under one lock, so two concurrent
// deliveries of the same tag cannot both observe it as new.
func (s *TagSet) CheckAndMark(tag uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[tag]; ok {
		return false
	}
	s.seen[tag] = time.Now()
	return true
}

// Contains reports whether the tag has been seen within the window.
func (s *TagSet) Contains(tag uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.seen[tag]
	return ok
}

// Len returns the current number of tracked tags.
func (s *TagSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close stops the eviction sweep.
func (s *TagSet) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
}

func (s *TagSet) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evict()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TagSet) evict() {
	threshold := time.Now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	for tag, seenAt := range s.seen {
		if seenAt.Before(threshold) {
			delete(s.seen, tag)
		}
	}
}
