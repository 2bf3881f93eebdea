// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the push connector.
type Metrics struct {
	meter metric.Meter

	// Counters
	deliveriesTotal    metric.Int64Counter
	duplicatesTotal    metric.Int64Counter
	dispatchesTotal    metric.Int64Counter
	confirmationsTotal metric.Int64Counter
	heartbeatsTotal    metric.Int64Counter
	resendsTotal       metric.Int64Counter
	deadLetteredTotal  metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// UpDownCounters (Gauges)
	clientsCurrent metric.Int64UpDownCounter

	// Histograms
	frameSize        metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("push-connector"),
	}

	var err error

	m.deliveriesTotal, err = m.meter.Int64Counter(
		"connector.deliveries.total",
		metric.WithDescription("Total broker deliveries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.duplicatesTotal, err = m.meter.Int64Counter(
		"connector.duplicates.total",
		metric.WithDescription("Total deliveries suppressed by tag dedup"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicatesTotal counter: %w", err)
	}

	m.dispatchesTotal, err = m.meter.Int64Counter(
		"connector.dispatches.total",
		metric.WithDescription("Total notifications dispatched to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchesTotal counter: %w", err)
	}

	m.confirmationsTotal, err = m.meter.Int64Counter(
		"connector.confirmations.total",
		metric.WithDescription("Total confirm frames received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmationsTotal counter: %w", err)
	}

	m.heartbeatsTotal, err = m.meter.Int64Counter(
		"connector.heartbeats.total",
		metric.WithDescription("Total heartbeat frames received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeatsTotal counter: %w", err)
	}

	m.resendsTotal, err = m.meter.Int64Counter(
		"connector.resends.total",
		metric.WithDescription("Total unconfirmed messages resent by reconciliation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resendsTotal counter: %w", err)
	}

	m.deadLetteredTotal, err = m.meter.Int64Counter(
		"connector.dead_lettered.total",
		metric.WithDescription("Total undecodable envelopes moved to the dead-letter exchange"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLetteredTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"connector.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.clientsCurrent, err = m.meter.Int64UpDownCounter(
		"connector.clients.current",
		metric.WithDescription("Current number of registered clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientsCurrent gauge: %w", err)
	}

	m.frameSize, err = m.meter.Int64Histogram(
		"connector.frame.size.bytes",
		metric.WithDescription("Client frame size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"connector.dispatch.duration.ms",
		metric.WithDescription("Notification dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordDelivery records a broker delivery by outcome
// ("dispatched", "duplicate", "malformed").
func (m *Metrics) RecordDelivery(outcome string) {
	ctx := context.Background()
	m.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	if outcome == "duplicate" {
		m.duplicatesTotal.Add(ctx, 1)
	}
}

// RecordDispatch records a notification dispatch by kind
// ("broadcast", "direct", "kickout").
func (m *Metrics) RecordDispatch(kind string, recipients int) {
	m.dispatchesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("recipients", recipients),
	))
}

// RecordConfirmation records a confirm frame from a client.
func (m *Metrics) RecordConfirmation() {
	m.confirmationsTotal.Add(context.Background(), 1)
}

// RecordHeartbeat records a heartbeat frame from a client.
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatsTotal.Add(context.Background(), 1)
}

// RecordResend records a reconciliation resend by kind.
func (m *Metrics) RecordResend(kind string) {
	m.resendsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordDeadLettered records an envelope moved to the dead-letter exchange.
func (m *Metrics) RecordDeadLettered() {
	m.deadLetteredTotal.Add(context.Background(), 1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordClientRegistered records a client joining the directory.
func (m *Metrics) RecordClientRegistered(transport string) {
	ctx := context.Background()
	m.clientsCurrent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
}

// RecordClientGone records a client leaving the directory.
func (m *Metrics) RecordClientGone(transport string) {
	m.clientsCurrent.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
}

// RecordFrameSize records the size of a client frame.
func (m *Metrics) RecordFrameSize(sizeBytes int64) {
	m.frameSize.Record(context.Background(), sizeBytes)
}

// RecordDispatchDuration records the duration of a notification dispatch.
func (m *Metrics) RecordDispatchDuration(durationMs float64) {
	m.dispatchDuration.Record(context.Background(), durationMs)
}
