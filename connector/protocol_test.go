// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"testing"

	"github.com/pushmesh/connector/storage/memory"
)

func TestOnFrameHeartbeat(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()
	store := memory.New()

	p := NewProtocol(dir, store, testLogger(), nil)
	conn := &fakeConn{}

	p.OnFrame(conn, []byte("heartbeat-client42"))

	if dir.ConnOf("client42") != conn {
		t.Errorf("heartbeat should register client42")
	}

	// Heartbeats never touch the store.
	msgs, err := store.Messages().Recent(0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("heartbeat wrote to the message store")
	}
}

func TestOnFrameHeartbeatTrimsWhitespace(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()

	p := NewProtocol(dir, memory.New(), testLogger(), nil)
	conn := &fakeConn{}

	p.OnFrame(conn, []byte("  heartbeat-client7\r\n"))

	if dir.ConnOf("client7") != conn {
		t.Errorf("whitespace-wrapped heartbeat should still register")
	}
}

func TestOnFrameRecordsFrameSize(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()

	p := NewProtocol(dir, memory.New(), testLogger(), nil)
	metrics := newFakeMetrics()
	p.SetMetrics(metrics)

	frame := []byte("heartbeat-client1\n")
	p.OnFrame(&fakeConn{}, frame)
	p.OnFrame(&fakeConn{}, []byte("garbage\n"))

	if got := metrics.frameSizeCount(); got != 2 {
		t.Fatalf("frame sizes recorded: got %d, want 2", got)
	}
	metrics.mu.Lock()
	first := metrics.frameSizes[0]
	metrics.mu.Unlock()
	if first != int64(len(frame)) {
		t.Errorf("frame size: got %d, want %d", first, len(frame))
	}
}

func TestOnFrameConfirm(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()
	store := memory.New()

	p := NewProtocol(dir, store, testLogger(), nil)
	conn := &fakeConn{}
	dir.RefreshLiveness("client7", conn)

	p.OnFrame(conn, []byte("confirm-msg-9"))

	confirmed, err := store.Confirmations().Confirmed("msg-9")
	if err != nil {
		t.Fatalf("Confirmed failed: %v", err)
	}
	if _, ok := confirmed["client7"]; !ok {
		t.Errorf("confirmation for client7 not recorded: %v", confirmed)
	}
}

func TestOnFrameConfirmUnboundConn(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()
	store := memory.New()

	p := NewProtocol(dir, store, testLogger(), nil)

	// No heartbeat first: the confirm cannot be attributed.
	p.OnFrame(&fakeConn{}, []byte("confirm-msg-9"))

	confirmed, err := store.Confirmations().Confirmed("msg-9")
	if err != nil {
		t.Fatalf("Confirmed failed: %v", err)
	}
	if len(confirmed) != 0 {
		t.Errorf("unattributable confirm should be dropped, got %v", confirmed)
	}
}

func TestOnFrameUnrecognized(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()
	store := memory.New()

	p := NewProtocol(dir, store, testLogger(), nil)
	conn := &fakeConn{}

	for _, frame := range []string{"", "hello there", "heartbeat-", "confirm-", "HEARTBEAT-x"} {
		p.OnFrame(conn, []byte(frame))
	}

	if dir.Count() != 0 {
		t.Errorf("no frame should have registered a client")
	}
}

func TestOnFrameStats(t *testing.T) {
	dir := newTestDirectory()
	defer dir.Close()

	stats := NewStats()
	p := NewProtocol(dir, memory.New(), testLogger(), stats)
	conn := &fakeConn{}

	p.OnFrame(conn, []byte("heartbeat-c1"))
	p.OnFrame(conn, []byte("heartbeat-c1"))
	p.OnFrame(conn, []byte("confirm-m1"))

	if stats.GetHeartbeats() != 2 {
		t.Errorf("heartbeats: got %d, want 2", stats.GetHeartbeats())
	}
	if stats.GetConfirms() != 1 {
		t.Errorf("confirms: got %d, want 1", stats.GetConfirms())
	}
}
