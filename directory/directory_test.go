// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn records sent payloads and close calls.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return nil }

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestDirectory() *Directory {
	return New(Config{}) // no liveness sweep
}

func TestRefreshLivenessRegisters(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	conn := &fakeConn{}
	d.RefreshLiveness("client-1", conn)

	if got := d.ConnOf("client-1"); got != conn {
		t.Errorf("ConnOf returned wrong conn")
	}
	id, ok := d.ClientOf(conn)
	if !ok || id != "client-1" {
		t.Errorf("ClientOf: got (%q, %v), want (client-1, true)", id, ok)
	}
	if d.Count() != 1 {
		t.Errorf("Count: got %d, want 1", d.Count())
	}
}

func TestRefreshLivenessReplacesStaleConn(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	old := &fakeConn{}
	d.RefreshLiveness("client-1", old)

	replacement := &fakeConn{}
	d.RefreshLiveness("client-1", replacement)

	if !old.isClosed() {
		t.Errorf("stale conn was not closed on replacement")
	}
	if got := d.ConnOf("client-1"); got != replacement {
		t.Errorf("ConnOf should return the replacement conn")
	}
	if _, ok := d.ClientOf(old); ok {
		t.Errorf("stale conn still resolves to a client")
	}
	if d.Count() != 1 {
		t.Errorf("Count: got %d, want 1", d.Count())
	}
}

func TestUnregister(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	conn := &fakeConn{}
	d.RefreshLiveness("client-1", conn)
	d.Unregister(conn)

	if d.ConnOf("client-1") != nil {
		t.Errorf("client still resolvable after Unregister")
	}
	if _, ok := d.ClientOf(conn); ok {
		t.Errorf("conn still resolvable after Unregister")
	}
}

func TestUnregisterKeepsReplacement(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	old := &fakeConn{}
	d.RefreshLiveness("client-1", old)
	replacement := &fakeConn{}
	d.RefreshLiveness("client-1", replacement)

	// Teardown of the replaced conn must not drop the fresh mapping.
	d.Unregister(old)

	if got := d.ConnOf("client-1"); got != replacement {
		t.Errorf("replacement mapping lost after stale Unregister")
	}
}

func TestUnregisterFiresCallback(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	registered, unregistered := 0, 0
	d.SetOnRegister(func(clientID string, conn Conn) { registered++ })
	var goneID string
	d.SetOnUnregister(func(clientID string, conn Conn) {
		unregistered++
		goneID = clientID
	})

	conn := &fakeConn{}
	d.RefreshLiveness("client-1", conn)
	d.Unregister(conn)

	// Every registration must be balanced by exactly one departure,
	// or anything counting clients off these callbacks drifts.
	if registered != 1 || unregistered != 1 {
		t.Errorf("callbacks: registered=%d unregistered=%d, want 1/1", registered, unregistered)
	}
	if goneID != "client-1" {
		t.Errorf("unregister callback got client %q, want client-1", goneID)
	}
	if d.Count() != 0 {
		t.Errorf("Count: got %d, want 0", d.Count())
	}

	// A second Unregister of the same conn is a no-op.
	d.Unregister(conn)
	if unregistered != 1 {
		t.Errorf("repeated Unregister fired the callback again")
	}
}

func TestUnregisterOfStaleConnDoesNotFireCallback(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	unregistered := 0
	d.SetOnUnregister(func(clientID string, conn Conn) { unregistered++ })

	old := &fakeConn{}
	d.RefreshLiveness("client-1", old)
	replacement := &fakeConn{}
	d.RefreshLiveness("client-1", replacement)

	// The client is still connected through the replacement; tearing
	// down the stale conn is not a departure.
	d.Unregister(old)
	if unregistered != 0 {
		t.Errorf("stale-conn Unregister fired the callback")
	}

	d.Unregister(replacement)
	if unregistered != 1 {
		t.Errorf("real departure did not fire the callback")
	}
}

func TestSendTo(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	conn := &fakeConn{}
	d.RefreshLiveness("client-1", conn)

	if err := d.SendTo("client-1", []byte("hi")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if conn.sentCount() != 1 {
		t.Errorf("sent %d payloads, want 1", conn.sentCount())
	}

	// Unknown client is a silent no-op
	if err := d.SendTo("ghost", []byte("hi")); err != nil {
		t.Errorf("SendTo to unknown client should not error: %v", err)
	}
}

func TestSendToPropagatesFailure(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	conn := &fakeConn{sendErr: errors.New("broken pipe")}
	d.RefreshLiveness("client-1", conn)

	if err := d.SendTo("client-1", []byte("hi")); err == nil {
		t.Errorf("SendTo should propagate the send error")
	}
}

func TestBroadcast(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	good1 := &fakeConn{}
	bad := &fakeConn{sendErr: errors.New("broken pipe")}
	good2 := &fakeConn{}
	d.RefreshLiveness("a", good1)
	d.RefreshLiveness("b", bad)
	d.RefreshLiveness("c", good2)

	sent := d.Broadcast([]byte("hello"))
	if sent != 2 {
		t.Errorf("Broadcast reported %d sends, want 2", sent)
	}
	if good1.sentCount() != 1 || good2.sentCount() != 1 {
		t.Errorf("healthy conns did not all receive the broadcast")
	}
}

func TestClientIDs(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	d.RefreshLiveness("a", &fakeConn{})
	d.RefreshLiveness("b", &fakeConn{})

	ids := d.ClientIDs()
	if len(ids) != 2 {
		t.Fatalf("ClientIDs returned %d ids, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("ClientIDs missing entries: %v", ids)
	}
}

func TestEvictStale(t *testing.T) {
	d := New(Config{
		LivenessTimeout: 50 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	})
	defer d.Close()

	var evictedMu sync.Mutex
	evicted := map[string]bool{}
	d.SetOnEvict(func(clientID string, conn Conn) {
		evictedMu.Lock()
		evicted[clientID] = true
		evictedMu.Unlock()
	})

	conn := &fakeConn{}
	d.RefreshLiveness("stale", conn)

	deadline := time.Now().Add(2 * time.Second)
	for d.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if d.Count() != 0 {
		t.Fatalf("stale client never evicted")
	}
	if !conn.isClosed() {
		t.Errorf("evicted conn was not closed")
	}
	evictedMu.Lock()
	defer evictedMu.Unlock()
	if !evicted["stale"] {
		t.Errorf("OnEvict callback not invoked")
	}
}

func TestHeartbeatKeepsClientAlive(t *testing.T) {
	d := New(Config{
		LivenessTimeout: 100 * time.Millisecond,
		SweepInterval:   20 * time.Millisecond,
	})
	defer d.Close()

	conn := &fakeConn{}
	for i := 0; i < 10; i++ {
		d.RefreshLiveness("alive", conn)
		time.Sleep(30 * time.Millisecond)
	}

	if d.Count() != 1 {
		t.Errorf("heartbeating client was evicted")
	}
}

func TestOnRegisterFiresOnce(t *testing.T) {
	d := newTestDirectory()
	defer d.Close()

	registered := 0
	d.SetOnRegister(func(clientID string, conn Conn) { registered++ })

	conn := &fakeConn{}
	d.RefreshLiveness("client-1", conn)
	d.RefreshLiveness("client-1", conn)
	d.RefreshLiveness("client-1", conn)

	if registered != 1 {
		t.Errorf("OnRegister fired %d times, want 1", registered)
	}
}
