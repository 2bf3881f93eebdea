// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

// Package directory tracks the live client connections of a single connector
// instance. The registry is deliberately instance-local: the broker fans
// every notification out to every instance, and each instance delivers only
// to the clients attached to it.
package directory

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Conn is a single client channel. Implementations must serialize their own
// writes; the directory may call Send from multiple goroutines.
type Conn interface {
	// Send writes one payload frame to the client.
	Send(payload []byte) error

	// Close tears the channel down.
	Close() error

	// RemoteAddr returns the client's network address.
	RemoteAddr() net.Addr
}

type entry struct {
	conn     Conn
	lastSeen time.Time
}

// Directory maps client IDs to open channels and back. All operations are
// safe for concurrent use by the ingress, protocol, and retry paths.
type Directory struct {
	mu       sync.RWMutex
	byClient map[string]*entry
	byConn   map[Conn]string

	livenessTimeout time.Duration
	logger          *slog.Logger

	onRegister   func(clientID string, conn Conn)
	onUnregister func(clientID string, conn Conn)
	onEvict      func(clientID string, conn Conn)

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Config holds directory configuration.
type Config struct {
	// LivenessTimeout evicts a client whose last heartbeat is older than
	// this. Zero disables eviction.
	LivenessTimeout time.Duration

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// New creates a directory and starts its liveness sweep.
func New(cfg Config) *Directory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	d := &Directory{
		byClient:        make(map[string]*entry),
		byConn:          make(map[Conn]string),
		livenessTimeout: cfg.LivenessTimeout,
		logger:          cfg.Logger,
		stopCh:          make(chan struct{}),
	}

	if cfg.LivenessTimeout > 0 {
		d.wg.Add(1)
		go d.sweepLoop(cfg.SweepInterval)
	}

	return d
}

// SetOnRegister sets the callback invoked when a client first registers.
func (d *Directory) SetOnRegister(fn func(clientID string, conn Conn)) {
	d.onRegister = fn
}

// SetOnUnregister sets the callback invoked when a client leaves the
// directory through Unregister. It fires once per departed client and
// does not fire when a stale conn is torn down after a reconnect.
func (d *Directory) SetOnUnregister(fn func(clientID string, conn Conn)) {
	d.onUnregister = fn
}

// SetOnEvict sets the callback invoked when a client is evicted for
// missing heartbeats.
func (d *Directory) SetOnEvict(fn func(clientID string, conn Conn)) {
	d.onEvict = fn
}

// RefreshLiveness registers the client on its first heartbeat and bumps its
// last-seen time on every subsequent one. A heartbeat arriving over a new
// channel replaces the stale one, which is closed.
func (d *Directory) RefreshLiveness(clientID string, conn Conn) {
	var replaced Conn
	var registered bool

	d.mu.Lock()
	existing, ok := d.byClient[clientID]
	switch {
	case !ok:
		registered = true
	case existing.conn != conn:
		replaced = existing.conn
		delete(d.byConn, existing.conn)
	}
	d.byClient[clientID] = &entry{conn: conn, lastSeen: time.Now()}
	d.byConn[conn] = clientID
	d.mu.Unlock()

	if replaced != nil {
		d.logger.Debug("client channel replaced", slog.String("client_id", clientID))
		_ = replaced.Close()
	}
	if registered {
		d.logger.Info("client registered",
			slog.String("client_id", clientID),
			slog.String("remote_addr", remoteAddr(conn)))
		if d.onRegister != nil {
			d.onRegister(clientID, conn)
		}
	}
}

// Unregister drops the mapping for a closed channel. It does not close the
// conn; callers invoke it from their own teardown path.
func (d *Directory) Unregister(conn Conn) {
	var removed bool

	d.mu.Lock()
	clientID, ok := d.byConn[conn]
	if ok {
		delete(d.byConn, conn)
		// Only drop the client entry if it still points at this conn;
		// a reconnect may already have replaced it.
		if e, ok := d.byClient[clientID]; ok && e.conn == conn {
			delete(d.byClient, clientID)
			removed = true
		}
	}
	d.mu.Unlock()

	if ok {
		d.logger.Debug("client unregistered", slog.String("client_id", clientID))
	}
	if removed && d.onUnregister != nil {
		d.onUnregister(clientID, conn)
	}
}

// ConnOf returns the open channel for a client, or nil if not connected.
func (d *Directory) ConnOf(clientID string) Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if e, ok := d.byClient[clientID]; ok {
		return e.conn
	}
	return nil
}

// ClientOf resolves a channel to its client ID. The second return reports
// whether the channel is registered.
func (d *Directory) ClientOf(conn Conn) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	clientID, ok := d.byConn[conn]
	return clientID, ok
}

// ClientIDs returns a snapshot of all connected client IDs.
func (d *Directory) ClientIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.byClient))
	for id := range d.byClient {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected clients.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byClient)
}

// SendTo sends a payload to one client. An unknown client is a silent no-op:
// delivery to it is the retry scheduler's concern once it reconnects.
func (d *Directory) SendTo(clientID string, payload []byte) error {
	conn := d.ConnOf(clientID)
	if conn == nil {
		return nil
	}

	if err := conn.Send(payload); err != nil {
		d.logger.Warn("send failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Broadcast sends a payload to every connected client. Per-client send
// failures are logged and do not abort the fan-out. Returns the number of
// clients the payload was written to.
func (d *Directory) Broadcast(payload []byte) int {
	d.mu.RLock()
	conns := make(map[string]Conn, len(d.byClient))
	for id, e := range d.byClient {
		conns[id] = e.conn
	}
	d.mu.RUnlock()

	sent := 0
	for clientID, conn := range conns {
		if err := conn.Send(payload); err != nil {
			d.logger.Warn("broadcast send failed",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return sent
}

// Close stops the liveness sweep and closes every registered channel.
func (d *Directory) Close() error {
	d.stopped.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.byClient {
		_ = e.conn.Close()
	}
	d.byClient = make(map[string]*entry)
	d.byConn = make(map[Conn]string)
	return nil
}

// sweepLoop periodically evicts clients with stale heartbeats.
func (d *Directory) sweepLoop(interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.evictStale()
		case <-d.stopCh:
			return
		}
	}
}

// evictStale removes clients whose last heartbeat is older than the
// liveness timeout and closes their channels.
func (d *Directory) evictStale() {
	threshold := time.Now().Add(-d.livenessTimeout)

	type victim struct {
		clientID string
		conn     Conn
	}

	d.mu.Lock()
	var victims []victim
	for clientID, e := range d.byClient {
		if e.lastSeen.Before(threshold) {
			victims = append(victims, victim{clientID, e.conn})
			delete(d.byClient, clientID)
			delete(d.byConn, e.conn)
		}
	}
	d.mu.Unlock()

	for _, v := range victims {
		d.logger.Info("client evicted, heartbeat stale", slog.String("client_id", v.clientID))
		_ = v.conn.Close()
		if d.onEvict != nil {
			d.onEvict(v.clientID, v.conn)
		}
	}
}

func remoteAddr(conn Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
