// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"log/slog"
	"strings"

	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/storage"
)

// Client frame prefixes. Everything after the prefix is the operand.
const (
	heartbeatPrefix = "heartbeat-"
	confirmPrefix   = "confirm-"
)

// Protocol interprets inbound client frames. It is stateless: client
// identity lives in the directory, confirmations in the store, so any
// number of transport goroutines can share one instance.
type Protocol struct {
	dir     *directory.Directory
	store   storage.Store
	logger  *slog.Logger
	stats   *Stats
	metrics MetricsRecorder
}

// NewProtocol creates a frame handler over the directory and store.
func NewProtocol(dir *directory.Directory, store storage.Store, logger *slog.Logger, stats *Stats) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Protocol{
		dir:    dir,
		store:  store,
		logger: logger,
		stats:  stats,
	}
}

// SetMetrics attaches a metrics recorder.
func (p *Protocol) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

// OnFrame handles one text frame from the given connection.
//
// heartbeat frames bind the connection to a client ID (or refresh the
// binding). confirm frames record a delivery confirmation for the client
// bound to the connection; a confirm on an unbound connection cannot be
// attributed and is dropped. Anything else is ignored with a warning.
func (p *Protocol) OnFrame(conn directory.Conn, raw []byte) {
	if p.metrics != nil {
		p.metrics.RecordFrameSize(int64(len(raw)))
	}
	frame := strings.TrimSpace(string(raw))

	switch {
	case strings.HasPrefix(frame, heartbeatPrefix):
		clientID := frame[len(heartbeatPrefix):]
		if clientID == "" {
			p.logger.Warn("heartbeat frame without client id",
				slog.String("remote", remoteOf(conn)))
			return
		}
		p.dir.RefreshLiveness(clientID, conn)
		p.stats.IncrementHeartbeats()
		if p.metrics != nil {
			p.metrics.RecordHeartbeat()
		}

	case strings.HasPrefix(frame, confirmPrefix):
		messageID := frame[len(confirmPrefix):]
		if messageID == "" {
			p.logger.Warn("confirm frame without message id",
				slog.String("remote", remoteOf(conn)))
			return
		}
		clientID, ok := p.dir.ClientOf(conn)
		if !ok {
			// No heartbeat yet on this connection; the confirmation
			// cannot be attributed to a client.
			p.logger.Warn("confirm from unidentified connection",
				slog.String("message_id", messageID),
				slog.String("remote", remoteOf(conn)))
			return
		}
		if err := p.store.Confirmations().Add(messageID, clientID); err != nil {
			p.logger.Error("failed to record confirmation",
				slog.String("message_id", messageID),
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
			return
		}
		p.stats.IncrementConfirms()
		if p.metrics != nil {
			p.metrics.RecordConfirmation()
		}
		p.logger.Debug("confirmation recorded",
			slog.String("message_id", messageID),
			slog.String("client_id", clientID))

	default:
		p.logger.Warn("unrecognized client frame",
			slog.String("frame", truncate(frame, 64)),
			slog.String("remote", remoteOf(conn)))
	}
}

func remoteOf(conn directory.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
