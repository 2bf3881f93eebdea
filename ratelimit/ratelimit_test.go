// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// Create limiter with 5 connections per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	// First 2 connections should succeed (burst)
	if !limiter.Allow(addr) {
		t.Error("First connection should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second connection (within burst) should be allowed")
	}

	// Third connection should be rate limited (burst exhausted, no tokens yet)
	if limiter.Allow(addr) {
		t.Error("Third connection should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Connection after token refill should be allowed")
	}
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	// Each IP has its own bucket
	if !limiter.Allow(addr1) {
		t.Error("First connection from IP1 should be allowed")
	}
	if !limiter.Allow(addr2) {
		t.Error("First connection from IP2 should be allowed")
	}

	if limiter.Allow(addr1) {
		t.Error("Second connection from IP1 should be rate limited")
	}
	if limiter.Allow(addr2) {
		t.Error("Second connection from IP2 should be rate limited")
	}
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// Nil address should always be allowed
	if !limiter.Allow(nil) {
		t.Error("Nil address should be allowed")
	}
}

func TestFrameRateLimiter_AllowFrame(t *testing.T) {
	// 5 frames per second, burst of 2
	limiter := NewFrameRateLimiter(5, 2)

	clientID := "client-1"

	if !limiter.AllowFrame(clientID) {
		t.Error("First frame should be allowed")
	}
	if !limiter.AllowFrame(clientID) {
		t.Error("Second frame (within burst) should be allowed")
	}
	if limiter.AllowFrame(clientID) {
		t.Error("Third frame should be rate limited")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.AllowFrame(clientID) {
		t.Error("Frame after token refill should be allowed")
	}
}

func TestFrameRateLimiter_PerClientBuckets(t *testing.T) {
	limiter := NewFrameRateLimiter(1, 1)

	if !limiter.AllowFrame("alice") {
		t.Error("First frame from alice should be allowed")
	}
	if limiter.AllowFrame("alice") {
		t.Error("Second frame from alice should be rate limited")
	}
	// bob has an untouched bucket
	if !limiter.AllowFrame("bob") {
		t.Error("First frame from bob should be allowed")
	}
}

func TestFrameRateLimiter_RemoveClient(t *testing.T) {
	limiter := NewFrameRateLimiter(1, 1)

	clientID := "client-1"
	limiter.AllowFrame(clientID)
	if limiter.AllowFrame(clientID) {
		t.Error("Bucket should be exhausted")
	}

	// Removing the client resets its bucket
	limiter.RemoveClient(clientID)
	if !limiter.AllowFrame(clientID) {
		t.Error("Frame after reset should be allowed")
	}
}

func TestManager_Disabled(t *testing.T) {
	manager := NewManager(Config{Enabled: false})
	defer manager.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	// Everything is allowed when rate limiting is disabled
	for i := 0; i < 100; i++ {
		if !manager.AllowConnection(addr) {
			t.Fatal("Disabled manager should allow all connections")
		}
		if !manager.AllowFrame("client-1") {
			t.Fatal("Disabled manager should allow all frames")
		}
	}
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
		Frame: FrameConfig{
			Enabled: true,
			Rate:    1,
			Burst:   1,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9100}

	if !manager.AllowConnection(addr) {
		t.Error("First connection should be allowed")
	}
	if manager.AllowConnection(addr) {
		t.Error("Second connection should be rate limited")
	}

	if !manager.AllowFrame("client-1") {
		t.Error("First frame should be allowed")
	}
	if manager.AllowFrame("client-1") {
		t.Error("Second frame should be rate limited")
	}

	// Disconnect cleanup resets the client bucket
	manager.OnClientDisconnect("client-1")
	if !manager.AllowFrame("client-1") {
		t.Error("Frame after disconnect cleanup should be allowed")
	}
}
