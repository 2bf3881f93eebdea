// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"log/slog"

	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/events"
	"github.com/pushmesh/connector/notify"
)

// kickoutFrame is the literal control payload sent to a client before its
// channel is forcibly closed. Clients treat it as a server-initiated logout.
var kickoutFrame = []byte("kickout")

// Dispatcher routes a decoded notification to the connection directory.
// It is pure routing: no retries, no persistence. Reconciliation of missed
// deliveries belongs to the retry scheduler.
type Dispatcher struct {
	dir      *directory.Directory
	logger   *slog.Logger
	stats    *Stats
	notifier events.Notifier
	metrics  MetricsRecorder
}

// NewDispatcher creates a dispatcher over the given directory.
func NewDispatcher(dir *directory.Directory, logger *slog.Logger, stats *Stats) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Dispatcher{
		dir:    dir,
		logger: logger,
		stats:  stats,
	}
}

// SetNotifier attaches an operational event notifier.
func (d *Dispatcher) SetNotifier(n events.Notifier) {
	d.notifier = n
}

// SetMetrics attaches a metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Dispatch routes one notification by its semantic type.
//
// Broadcast fans the payload out to every connected client; per-client send
// failures are absorbed by the directory. Direct sends to one client and is
// a no-op when the target is offline. KickOut sends the kickout control
// frame and closes the target's channel; a missing target is only a
// warning. The returned error aborts the delivery's acknowledgment, which
// makes the broker redeliver it.
func (d *Dispatcher) Dispatch(ctx context.Context, n *notify.Notification) error {
	switch n.Type {
	case notify.TypeBroadcast:
		sent := d.dir.Broadcast(n.Payload)
		d.stats.IncrementBroadcasts()
		if d.metrics != nil {
			d.metrics.RecordDispatch("broadcast", sent)
		}
		d.logger.Info("broadcast dispatched", slog.Int("recipients", sent))
		d.emit(ctx, events.MessageDispatched{
			MessageID:  n.ID,
			Kind:       "broadcast",
			Recipients: sent,
		})

	case notify.TypeDirect:
		recipients := 0
		if d.dir.ConnOf(n.Target) != nil {
			recipients = 1
		}
		if err := d.dir.SendTo(n.Target, n.Payload); err != nil {
			return err
		}
		d.stats.IncrementDirectSends()
		if d.metrics != nil {
			d.metrics.RecordDispatch("direct", 1)
		}
		d.logger.Info("direct message dispatched", slog.String("target", n.Target))
		d.emit(ctx, events.MessageDispatched{
			MessageID:  n.ID,
			Kind:       "direct",
			Target:     n.Target,
			Recipients: recipients,
		})

	case notify.TypeKickOut:
		conn := d.dir.ConnOf(n.Target)
		if conn == nil {
			d.logger.Warn("kickout target not connected", slog.String("target", n.Target))
			return nil
		}
		if err := conn.Send(kickoutFrame); err != nil {
			d.logger.Warn("kickout frame send failed",
				slog.String("target", n.Target),
				slog.String("error", err.Error()))
		}
		d.dir.Unregister(conn)
		if err := conn.Close(); err != nil {
			d.logger.Warn("kickout close failed",
				slog.String("target", n.Target),
				slog.String("error", err.Error()))
		}
		d.stats.IncrementKickouts()
		if d.metrics != nil {
			d.metrics.RecordDispatch("kickout", 1)
		}
		d.logger.Info("client kicked", slog.String("target", n.Target))
		d.emit(ctx, events.ClientKicked{ClientID: n.Target})

	default:
		// Decode already rejects unknown types; nothing to route here.
		d.logger.Warn("unroutable notification type", slog.String("type", n.Type))
	}

	return nil
}

func (d *Dispatcher) emit(ctx context.Context, ev events.Event) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.logger.Debug("event notification failed", slog.String("error", err.Error()))
	}
}
