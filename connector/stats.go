// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"sync/atomic"
	"time"
)

// Stats tracks connector statistics.
type Stats struct {
	startTime time.Time

	// Ingress stats
	deliveries   atomic.Uint64
	duplicates   atomic.Uint64
	malformed    atomic.Uint64
	deadLettered atomic.Uint64

	// Dispatch stats
	broadcasts  atomic.Uint64
	directSends atomic.Uint64
	kickouts    atomic.Uint64

	// Client protocol stats
	heartbeats atomic.Uint64
	confirms   atomic.Uint64

	// Reconciliation stats
	retryTicks  atomic.Uint64
	retrySends  atomic.Uint64
	retryErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Ingress tracking.
func (s *Stats) IncrementDeliveries()   { s.deliveries.Add(1) }
func (s *Stats) IncrementDuplicates()   { s.duplicates.Add(1) }
func (s *Stats) IncrementMalformed()    { s.malformed.Add(1) }
func (s *Stats) IncrementDeadLettered() { s.deadLettered.Add(1) }

func (s *Stats) GetDeliveries() uint64   { return s.deliveries.Load() }
func (s *Stats) GetDuplicates() uint64   { return s.duplicates.Load() }
func (s *Stats) GetMalformed() uint64    { return s.malformed.Load() }
func (s *Stats) GetDeadLettered() uint64 { return s.deadLettered.Load() }

// Dispatch tracking.
func (s *Stats) IncrementBroadcasts()  { s.broadcasts.Add(1) }
func (s *Stats) IncrementDirectSends() { s.directSends.Add(1) }
func (s *Stats) IncrementKickouts()    { s.kickouts.Add(1) }

func (s *Stats) GetBroadcasts() uint64  { return s.broadcasts.Load() }
func (s *Stats) GetDirectSends() uint64 { return s.directSends.Load() }
func (s *Stats) GetKickouts() uint64    { return s.kickouts.Load() }

// Client protocol tracking.
func (s *Stats) IncrementHeartbeats() { s.heartbeats.Add(1) }
func (s *Stats) IncrementConfirms()   { s.confirms.Add(1) }

func (s *Stats) GetHeartbeats() uint64 { return s.heartbeats.Load() }
func (s *Stats) GetConfirms() uint64   { return s.confirms.Load() }

// Reconciliation tracking.
func (s *Stats) IncrementRetryTicks()  { s.retryTicks.Add(1) }
func (s *Stats) IncrementRetrySends()  { s.retrySends.Add(1) }
func (s *Stats) IncrementRetryErrors() { s.retryErrors.Add(1) }

func (s *Stats) GetRetryTicks() uint64  { return s.retryTicks.Load() }
func (s *Stats) GetRetrySends() uint64  { return s.retrySends.Load() }
func (s *Stats) GetRetryErrors() uint64 { return s.retryErrors.Load() }

// GetUptime returns time since the connector started.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
