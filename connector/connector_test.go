// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/events"
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

func (c *fakeConn) lastSent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeNotifier captures emitted events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *fakeNotifier) Notify(ctx context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

func (n *fakeNotifier) ofType(eventType string) []events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []events.Event
	for _, ev := range n.events {
		if ev.Type() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeMetrics counts recorder calls.
type fakeMetrics struct {
	mu         sync.Mutex
	deliveries map[string]int
	dispatches map[string]int
	resends    map[string]int
	errors     map[string]int
	heartbeats int
	confirms   int
	deadLetter int
	frameSizes []int64
	durations  []float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		deliveries: make(map[string]int),
		dispatches: make(map[string]int),
		resends:    make(map[string]int),
		errors:     make(map[string]int),
	}
}

func (m *fakeMetrics) RecordDelivery(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[outcome]++
}

func (m *fakeMetrics) RecordDispatch(kind string, recipients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches[kind]++
}

func (m *fakeMetrics) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
}

func (m *fakeMetrics) RecordConfirmation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms++
}

func (m *fakeMetrics) RecordResend(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resends[kind]++
}

func (m *fakeMetrics) RecordDeadLettered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetter++
}

func (m *fakeMetrics) RecordError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[errorType]++
}

func (m *fakeMetrics) RecordFrameSize(sizeBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameSizes = append(m.frameSizes, sizeBytes)
}

func (m *fakeMetrics) RecordDispatchDuration(durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, durationMs)
}

func (m *fakeMetrics) errorCount(errorType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[errorType]
}

func (m *fakeMetrics) frameSizeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frameSizes)
}

func (m *fakeMetrics) durationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.durations)
}

var _ MetricsRecorder = (*fakeMetrics)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDirectory() *directory.Directory {
	return directory.New(directory.Config{Logger: testLogger()}) // no liveness sweep
}
