// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/pushmesh/connector/amqp"
	"github.com/pushmesh/connector/events"
	"github.com/pushmesh/connector/notify"
	"github.com/pushmesh/connector/storage"
)

// Publisher publishes a payload to a fanout exchange. Satisfied by
// *amqp.Client; the ingress uses it for the dead-letter path.
type Publisher interface {
	PublishFanout(exchange string, payload []byte) error
}

// acknowledger is the transport-level acknowledgment surface of one
// delivery.
type acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// IngressConfig tunes the broker ingress behavior.
type IngressConfig struct {
	// DeadLetterExchange receives envelopes that repeatedly fail to
	// decode. Empty disables dead-lettering: bad envelopes are dropped
	// after the redelivery limit instead.
	DeadLetterExchange string

	// MaxMalformedRedeliveries is how many times an undecodable envelope
	// is requeued before it is dead-lettered.
	MaxMalformedRedeliveries int
}

// Ingress consumes fanout deliveries from the broker: deduplicates by
// delivery tag, decodes the notification envelope, records it for
// reconciliation, and hands it to the dispatcher. A delivery is only
// acknowledged after dispatch returns, so dispatch failures surface as
// broker redeliveries.
type Ingress struct {
	cfg      IngressConfig
	tags     *TagSet
	dispatch *Dispatcher
	store    storage.Store
	pub      Publisher
	logger   *slog.Logger
	stats    *Stats
	notifier events.Notifier
	metrics  MetricsRecorder

	// Redelivery of a malformed envelope arrives under a fresh tag, so
	// repeats are recognized by body hash rather than by tag.
	malformedMu sync.Mutex
	malformed   map[uint64]int
}

// NewIngress creates the broker ingress.
func NewIngress(cfg IngressConfig, tags *TagSet, dispatch *Dispatcher, store storage.Store, pub Publisher, logger *slog.Logger, stats *Stats) *Ingress {
	if cfg.MaxMalformedRedeliveries <= 0 {
		cfg.MaxMalformedRedeliveries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Ingress{
		cfg:       cfg,
		tags:      tags,
		dispatch:  dispatch,
		store:     store,
		pub:       pub,
		logger:    logger,
		stats:     stats,
		malformed: make(map[uint64]int),
	}
}

// SetNotifier attaches an operational event notifier.
func (i *Ingress) SetNotifier(n events.Notifier) {
	i.notifier = n
}

// SetMetrics attaches a metrics recorder.
func (i *Ingress) SetMetrics(m MetricsRecorder) {
	i.metrics = m
}

// Handle processes one broker delivery. It satisfies amqp.DeliveryHandler.
func (i *Ingress) Handle(d *amqp.Delivery) {
	i.process(d.Tag, d.Body, d)
}

func (i *Ingress) process(tag uint64, body []byte, ack acknowledger) {
	i.stats.IncrementDeliveries()

	// The tag is committed before dispatch. A delivery that later fails
	// and is Nack'd comes back under a fresh tag, so marking here never
	// suppresses its redelivery.
	if !i.tags.CheckAndMark(tag) {
		i.stats.IncrementDuplicates()
		if i.metrics != nil {
			i.metrics.RecordDelivery("duplicate")
		}
		i.logger.Info("duplicate delivery ignored", slog.Uint64("tag", tag))
		if err := ack.Ack(); err != nil {
			i.logger.Warn("ack of duplicate delivery failed",
				slog.Uint64("tag", tag),
				slog.String("error", err.Error()))
		}
		return
	}

	n, err := notify.Decode(body)
	if err != nil {
		i.handleMalformed(tag, body, ack, err)
		return
	}

	i.record(n)

	start := time.Now()
	err = i.dispatch.Dispatch(context.Background(), n)
	if i.metrics != nil {
		i.metrics.RecordDispatchDuration(float64(time.Since(start).Microseconds()) / 1000.0)
	}
	if err != nil {
		if i.metrics != nil {
			i.metrics.RecordError("dispatch")
		}
		i.logger.Error("dispatch failed, requeueing delivery",
			slog.Uint64("tag", tag),
			slog.String("type", n.Type),
			slog.String("error", err.Error()))
		if nerr := ack.Nack(true); nerr != nil {
			i.logger.Warn("nack failed",
				slog.Uint64("tag", tag),
				slog.String("error", nerr.Error()))
		}
		return
	}

	if i.metrics != nil {
		i.metrics.RecordDelivery("dispatched")
	}
	if err := ack.Ack(); err != nil {
		i.logger.Warn("ack failed",
			slog.Uint64("tag", tag),
			slog.String("error", err.Error()))
	}
}

// record persists a sent-message record so the retry scheduler can
// reconcile it. Fire-and-forget notifications (no ID) and kickouts are not
// recorded. A store failure does not block delivery; it only costs this
// message its retry coverage.
func (i *Ingress) record(n *notify.Notification) {
	if n.ID == "" || n.Type == notify.TypeKickOut {
		return
	}

	msg := &storage.SentMessage{
		ID:      n.ID,
		Target:  n.Target,
		Content: n.Payload,
		SentAt:  time.Now(),
	}
	if n.Type == notify.TypeBroadcast {
		msg.Target = ""
	}

	if err := i.store.Messages().Save(msg); err != nil {
		i.logger.Error("failed to record sent message",
			slog.String("message_id", n.ID),
			slog.String("error", err.Error()))
	}
}

func (i *Ingress) handleMalformed(tag uint64, body []byte, ack acknowledger, decodeErr error) {
	i.stats.IncrementMalformed()
	if i.metrics != nil {
		i.metrics.RecordDelivery("malformed")
		i.metrics.RecordError("decode")
	}

	h := fnv.New64a()
	h.Write(body)
	key := h.Sum64()

	i.malformedMu.Lock()
	i.malformed[key]++
	count := i.malformed[key]
	if count >= i.cfg.MaxMalformedRedeliveries {
		delete(i.malformed, key)
	}
	i.malformedMu.Unlock()

	if count < i.cfg.MaxMalformedRedeliveries {
		i.logger.Warn("malformed envelope, requeueing",
			slog.Uint64("tag", tag),
			slog.Int("seen", count),
			slog.String("error", decodeErr.Error()))
		if err := ack.Nack(true); err != nil {
			i.logger.Warn("nack of malformed envelope failed",
				slog.Uint64("tag", tag),
				slog.String("error", err.Error()))
		}
		return
	}

	if i.cfg.DeadLetterExchange != "" && i.pub != nil {
		if err := i.pub.PublishFanout(i.cfg.DeadLetterExchange, body); err != nil {
			// Keep the envelope in the queue rather than lose it.
			i.logger.Error("dead-letter publish failed, requeueing",
				slog.Uint64("tag", tag),
				slog.String("error", err.Error()))
			if nerr := ack.Nack(true); nerr != nil {
				i.logger.Warn("nack failed",
					slog.Uint64("tag", tag),
					slog.String("error", nerr.Error()))
			}
			return
		}
	}

	i.stats.IncrementDeadLettered()
	if i.metrics != nil {
		i.metrics.RecordDeadLettered()
	}
	i.logger.Error("malformed envelope dead-lettered",
		slog.Uint64("tag", tag),
		slog.Int("redeliveries", count),
		slog.String("error", decodeErr.Error()))
	if i.notifier != nil {
		ev := events.MessageDeadLettered{
			DeliveryTag: tag,
			Reason:      decodeErr.Error(),
			BodySize:    len(body),
		}
		if err := i.notifier.Notify(context.Background(), ev); err != nil {
			i.logger.Debug("event notification failed", slog.String("error", err.Error()))
		}
	}
	if err := ack.Ack(); err != nil {
		i.logger.Warn("ack of dead-lettered envelope failed",
			slog.Uint64("tag", tag),
			slog.String("error", err.Error()))
	}
}
