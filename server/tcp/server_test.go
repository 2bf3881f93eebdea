// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pushmesh/connector/directory"
)

// captureHandler records every frame it receives.
type captureHandler struct {
	mu     sync.Mutex
	frames [][]byte
}

func (h *captureHandler) OnFrame(conn directory.Conn, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	frame := make([]byte, len(raw))
	copy(frame, raw)
	h.frames = append(h.frames, frame)
}

func (h *captureHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *captureHandler) frame(i int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames[i]
}

// denyAll rejects every connection.
type denyAll struct{}

func (denyAll) Allow(addr net.Addr) bool { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// startServer runs a server on an ephemeral port and returns its address and
// a stop function that asserts clean shutdown.
func startServer(t *testing.T, srv *Server) (net.Addr, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(ctx)
	}()

	waitFor(t, func() bool { return srv.Addr() != nil })

	return srv.Addr(), func() {
		cancel()
		select {
		case err := <-listenErr:
			if err != nil {
				t.Errorf("Listen returned error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down")
		}
	}
}

func newTestServer(handler FrameHandler) *Server {
	dir := directory.New(directory.Config{Logger: testLogger()})
	return New(Config{
		Address:         "127.0.0.1:0",
		Logger:          testLogger(),
		ShutdownTimeout: time.Second,
		MaxFrameSize:    256,
	}, handler, dir)
}

func TestFrameDelivery(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)
	addr, stop := startServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("heartbeat-alice\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, func() bool { return handler.frameCount() == 1 })

	got := bytes.TrimSpace(handler.frame(0))
	if string(got) != "heartbeat-alice" {
		t.Errorf("frame: got %q", got)
	}
}

func TestMultipleFramesOnOneConnection(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)
	addr, stop := startServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("heartbeat-bob\nconfirm-msg-1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, func() bool { return handler.frameCount() == 2 })

	if got := bytes.TrimSpace(handler.frame(1)); string(got) != "confirm-msg-1" {
		t.Errorf("second frame: got %q", got)
	}
}

func TestConnLimiterRejectsConnection(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)
	srv.SetConnLimiter(denyAll{})
	addr, stop := startServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// The server closes rate-limited connections immediately.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("expected EOF on rejected connection, got %v", err)
	}
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)
	addr, stop := startServer(t, srv)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// More than MaxFrameSize bytes with no delimiter.
	if _, err := conn.Write(bytes.Repeat([]byte("x"), 512)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be dropped after oversized frame")
	}
}

func TestGracefulShutdownDrainsClosedConnections(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)
	addr, stop := startServer(t, srv)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if _, err := conn.Write([]byte("heartbeat-carol\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool { return handler.frameCount() == 1 })

	// With the client gone the handler drains and shutdown is clean.
	conn.Close()
	stop()
}

func TestShutdownForcesLingeringConnections(t *testing.T) {
	handler := &captureHandler{}
	srv := newTestServer(handler)

	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(ctx)
	}()
	waitFor(t, func() bool { return srv.Addr() != nil })

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("heartbeat-dave\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool { return handler.frameCount() == 1 })

	// The client stays connected, so the drain times out and the server
	// force-closes the connection.
	cancel()
	select {
	case err := <-listenErr:
		if err != ErrShutdownTimeout {
			t.Errorf("expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed after forced shutdown")
	}
}
