// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter manages rate limiting for IP addresses (connection layer).
// Used to limit connection attempts per IP to prevent DoS attacks.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a connection from the given IP address is allowed.
// Returns true if the connection is allowed, false if rate limited.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true // Allow if we can't extract IP
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// FrameRateLimiter manages per-client frame rate limiting. A client that
// floods heartbeat or confirm frames gets throttled without affecting
// other clients on the same instance.
type FrameRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewFrameRateLimiter creates a new per-client frame rate limiter.
func NewFrameRateLimiter(r float64, burst int) *FrameRateLimiter {
	return &FrameRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// AllowFrame checks if a frame from the given client is allowed.
func (l *FrameRateLimiter) AllowFrame(clientID string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient removes the rate limiter for a disconnected client.
func (l *FrameRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		// Try to parse as host:port format
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Frame      FrameConfig      `yaml:"frame"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// FrameConfig holds per-client frame rate limiting settings.
type FrameConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // frames per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Frame: FrameConfig{
			Enabled: true,
			Rate:    50, // heartbeats arrive every few seconds; 50/s is flooding
			Burst:   100,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	frame    *FrameRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var ip *IPRateLimiter
	var frame *FrameRateLimiter

	if cfg.Connection.Enabled {
		ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Frame.Enabled {
		frame = NewFrameRateLimiter(cfg.Frame.Rate, cfg.Frame.Burst)
	}

	return &Manager{
		config: cfg,
		ip:     ip,
		frame:  frame,
	}
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.Allow(addr)
}

// Allow implements the limiter interface used by the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	return m.AllowConnection(addr)
}

// AllowFrame checks if a frame from the given client is allowed.
func (m *Manager) AllowFrame(clientID string) bool {
	if m.disabled || m.frame == nil || !m.config.Frame.Enabled {
		return true
	}
	return m.frame.AllowFrame(clientID)
}

// OnClientDisconnect cleans up rate limiters for a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.disabled || m.frame == nil {
		return
	}
	m.frame.RemoveClient(clientID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
