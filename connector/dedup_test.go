// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTagSetCheckAndMark(t *testing.T) {
	s := NewTagSet(time.Minute, time.Minute)
	defer s.Close()

	if !s.CheckAndMark(1) {
		t.Errorf("first sighting of tag 1 should be new")
	}
	if s.CheckAndMark(1) {
		t.Errorf("second sighting of tag 1 should be a duplicate")
	}
	if !s.CheckAndMark(2) {
		t.Errorf("tag 2 should be new")
	}
	if !s.Contains(1) || !s.Contains(2) {
		t.Errorf("both tags should be tracked")
	}
	if s.Len() != 2 {
		t.Errorf("Len: got %d, want 2", s.Len())
	}
}

func TestTagSetConcurrentCheckAndMark(t *testing.T) {
	s := NewTagSet(time.Minute, time.Minute)
	defer s.Close()

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup

	// All workers race on the same tag; exactly one may win.
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CheckAndMark(42) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("CheckAndMark won %d times, want exactly 1", wins.Load())
	}
}

func TestTagSetEviction(t *testing.T) {
	s := NewTagSet(20*time.Millisecond, 10*time.Millisecond)
	defer s.Close()

	s.CheckAndMark(7)

	deadline := time.Now().Add(time.Second)
	for s.Contains(7) {
		if time.Now().After(deadline) {
			t.Fatalf("tag 7 not evicted after window elapsed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// An evicted tag reads as new again.
	if !s.CheckAndMark(7) {
		t.Errorf("evicted tag should be markable again")
	}
}
