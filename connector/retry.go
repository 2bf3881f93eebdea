// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/events"
	"github.com/pushmesh/connector/storage"
)

// RetryConfig tunes the reconciliation scheduler.
type RetryConfig struct {
	// Interval between reconciliation passes.
	Interval time.Duration

	// Window is how far back a sent message stays eligible for resend.
	// A message older than the window ages out even if never confirmed.
	Window time.Duration

	// ResendRate caps resends per second across a tick. Zero disables
	// the limiter.
	ResendRate float64

	// ResendBurst is the limiter burst size. Defaults to 1 when a rate
	// is set.
	ResendBurst int

	// PruneEvery is how often aged-out records are deleted from the
	// store. Zero disables pruning.
	PruneEvery time.Duration
}

func (c *RetryConfig) withDefaults() RetryConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.Window <= 0 {
		out.Window = 15 * time.Minute
	}
	if out.ResendRate > 0 && out.ResendBurst <= 0 {
		out.ResendBurst = 1
	}
	return out
}

// RetryScheduler reconciles recently sent messages against confirmations
// and online status, resending to clients that still need delivery.
//
// It runs on its own goroutine, decoupled from broker ingress: a slow pass
// never delays delivery processing, and vice versa. The scheduler and the
// ingress communicate only through the delivery store and the directory.
//
// There is no per-client backoff or attempt cap. A still-unconfirmed
// message is resent on every tick until confirmed or aged out of the
// window; clients tolerate duplicates.
type RetryScheduler struct {
	cfg      RetryConfig
	store    storage.Store
	dir      *directory.Directory
	limiter  *rate.Limiter
	logger   *slog.Logger
	stats    *Stats
	notifier events.Notifier
	metrics  MetricsRecorder

	lastPrune time.Time
}

// NewRetryScheduler creates a reconciliation scheduler.
func NewRetryScheduler(cfg RetryConfig, store storage.Store, dir *directory.Directory, logger *slog.Logger, stats *Stats) *RetryScheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}

	var limiter *rate.Limiter
	if cfg.ResendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ResendRate), cfg.ResendBurst)
	}

	return &RetryScheduler{
		cfg:       cfg,
		store:     store,
		dir:       dir,
		limiter:   limiter,
		logger:    logger,
		stats:     stats,
		lastPrune: time.Now(),
	}
}

// SetNotifier attaches an operational event notifier.
func (r *RetryScheduler) SetNotifier(n events.Notifier) {
	r.notifier = n
}

// SetMetrics attaches a metrics recorder.
func (r *RetryScheduler) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Run executes reconciliation passes until the context is canceled.
func (r *RetryScheduler) Run(ctx context.Context) {
	r.logger.Info("retry scheduler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("window", r.cfg.Window))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			r.stats.IncrementRetryTicks()
			if err := r.runOnce(ctx); err != nil {
				// Store failures abort the pass; the next tick retries.
				r.logger.Error("reconciliation pass aborted",
					slog.String("error", err.Error()))
			}
			r.maybePrune()
		}
	}
}

// runOnce performs a single reconciliation pass. A store query failure
// aborts the pass; per-client send failures do not.
func (r *RetryScheduler) runOnce(ctx context.Context) error {
	msgs, err := r.store.Messages().Recent(r.cfg.Window)
	if err != nil {
		r.stats.IncrementRetryErrors()
		if r.metrics != nil {
			r.metrics.RecordError("store")
		}
		return err
	}

	for _, msg := range msgs {
		confirmed, err := r.store.Confirmations().Confirmed(msg.ID)
		if err != nil {
			r.stats.IncrementRetryErrors()
			if r.metrics != nil {
				r.metrics.RecordError("store")
			}
			return err
		}

		if msg.Broadcast() {
			r.reconcileBroadcast(ctx, msg, confirmed)
		} else {
			r.reconcileDirect(ctx, msg, confirmed)
		}
	}

	return nil
}

// reconcileBroadcast resends the content to every online client that has
// not confirmed the message.
func (r *RetryScheduler) reconcileBroadcast(ctx context.Context, msg *storage.SentMessage, confirmed map[string]struct{}) {
	resent := 0
	for _, clientID := range r.dir.ClientIDs() {
		if _, ok := confirmed[clientID]; ok {
			continue
		}
		if r.resend(ctx, msg, clientID, "broadcast") {
			resent++
		}
	}

	if resent > 0 {
		r.logger.Debug("broadcast reconciled",
			slog.String("message_id", msg.ID),
			slog.Int("resent", resent))
		r.emit(ctx, events.MessageResent{
			MessageID:  msg.ID,
			Kind:       "broadcast",
			Recipients: resent,
		})
	}
}

// reconcileDirect resends iff the message has no confirmation at all.
func (r *RetryScheduler) reconcileDirect(ctx context.Context, msg *storage.SentMessage, confirmed map[string]struct{}) {
	if len(confirmed) > 0 {
		return
	}
	if !r.resend(ctx, msg, msg.Target, "direct") {
		return
	}
	r.logger.Debug("direct message reconciled",
		slog.String("message_id", msg.ID),
		slog.String("target", msg.Target))
	r.emit(ctx, events.MessageResent{
		MessageID:  msg.ID,
		Kind:       "direct",
		Target:     msg.Target,
		Recipients: 1,
	})
}

// resend pushes the message content to one client. Send failures are
// logged and absorbed so the rest of the batch proceeds.
func (r *RetryScheduler) resend(ctx context.Context, msg *storage.SentMessage, clientID, kind string) bool {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	if err := r.dir.SendTo(clientID, msg.Content); err != nil {
		r.stats.IncrementRetryErrors()
		r.logger.Warn("resend failed",
			slog.String("message_id", msg.ID),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return false
	}

	r.stats.IncrementRetrySends()
	if r.metrics != nil {
		r.metrics.RecordResend(kind)
	}
	return true
}

// maybePrune deletes records that aged out of the retry window, together
// with their confirmations.
func (r *RetryScheduler) maybePrune() {
	if r.cfg.PruneEvery <= 0 || time.Since(r.lastPrune) < r.cfg.PruneEvery {
		return
	}
	r.lastPrune = time.Now()

	cutoff := time.Now().Add(-r.cfg.Window)
	ids, err := r.store.Messages().DeleteOlderThan(cutoff)
	if err != nil {
		r.logger.Warn("message pruning failed", slog.String("error", err.Error()))
		return
	}
	for _, id := range ids {
		if err := r.store.Confirmations().DeleteForMessage(id); err != nil {
			r.logger.Warn("confirmation pruning failed",
				slog.String("message_id", id),
				slog.String("error", err.Error()))
		}
	}
	if len(ids) > 0 {
		r.logger.Debug("pruned aged-out messages", slog.Int("count", len(ids)))
	}
}

func (r *RetryScheduler) emit(ctx context.Context, ev events.Event) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, ev); err != nil {
		r.logger.Debug("event notification failed", slog.String("error", err.Error()))
	}
}
