// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package connector

// MetricsRecorder receives connector telemetry. Satisfied by *otel.Metrics;
// a nil recorder disables instrumentation.
type MetricsRecorder interface {
	// RecordDelivery records a broker delivery by outcome
	// ("dispatched", "duplicate", "malformed").
	RecordDelivery(outcome string)

	// RecordDispatch records a notification dispatch by kind.
	RecordDispatch(kind string, recipients int)

	// RecordHeartbeat records a heartbeat frame.
	RecordHeartbeat()

	// RecordConfirmation records a confirm frame.
	RecordConfirmation()

	// RecordResend records a reconciliation resend by kind.
	RecordResend(kind string)

	// RecordDeadLettered records an envelope moved to the dead-letter
	// exchange.
	RecordDeadLettered()

	// RecordError records an error by type ("decode", "dispatch",
	// "store").
	RecordError(errorType string)

	// RecordFrameSize records the size of an inbound client frame.
	RecordFrameSize(sizeBytes int64)

	// RecordDispatchDuration records how long one dispatch took, in
	// milliseconds.
	RecordDispatchDuration(durationMs float64)
}
