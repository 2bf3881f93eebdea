// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected   = "client.connected"
	TypeClientEvicted     = "client.evicted"
	TypeClientKicked      = "client.kicked"
	TypeMessageDispatched = "message.dispatched"
	TypeMessageResent     = "message.resent"
	TypeMessageDeadLettered = "message.dead_lettered"
)

// Event is the common interface for all operational events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Client returns the client ID the event concerns, empty for others
	Client() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(connectorID string) *Envelope
}

// Notifier delivers events to interested parties. Implementations must not
// block the caller; delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Envelope is the common wrapper for all emitted events.
type Envelope struct {
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	ConnectorID string `json:"connector_id"`
	Data        any    `json:"data"`
}

func wrap(e Event, connectorID string) *Envelope {
	return &Envelope{
		EventType:   e.Type(),
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		ConnectorID: connectorID,
		Data:        e,
	}
}

// ClientConnected is emitted when a client's first heartbeat registers it.
type ClientConnected struct {
	ClientID   string `json:"client_id"`
	Transport  string `json:"transport"` // "tcp" or "websocket"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string   { return TypeClientConnected }
func (e ClientConnected) Client() string { return e.ClientID }
func (e ClientConnected) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}

// ClientEvicted is emitted when the directory drops a client whose
// heartbeats stopped.
type ClientEvicted struct {
	ClientID string `json:"client_id"`
	LastSeen string `json:"last_seen"`
}

func (e ClientEvicted) Type() string   { return TypeClientEvicted }
func (e ClientEvicted) Client() string { return e.ClientID }
func (e ClientEvicted) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}

// ClientKicked is emitted when a kickout notification forces a client out.
type ClientKicked struct {
	ClientID string `json:"client_id"`
}

func (e ClientKicked) Type() string   { return TypeClientKicked }
func (e ClientKicked) Client() string { return e.ClientID }
func (e ClientKicked) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}

// MessageDispatched is emitted when a broker notification is routed to
// connected clients for the first time.
type MessageDispatched struct {
	MessageID  string `json:"message_id"`
	Kind       string `json:"kind"` // "broadcast" or "direct"
	Target     string `json:"target,omitempty"`
	Recipients int    `json:"recipients"`
}

func (e MessageDispatched) Type() string   { return TypeMessageDispatched }
func (e MessageDispatched) Client() string { return e.Target }
func (e MessageDispatched) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}

// MessageResent is emitted when the reconciliation pass resends an
// unconfirmed message.
type MessageResent struct {
	MessageID  string `json:"message_id"`
	Kind       string `json:"kind"`
	Target     string `json:"target,omitempty"`
	Recipients int    `json:"recipients"`
}

func (e MessageResent) Type() string   { return TypeMessageResent }
func (e MessageResent) Client() string { return e.Target }
func (e MessageResent) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}

// MessageDeadLettered is emitted when an undecodable broker delivery is
// moved to the dead-letter exchange.
type MessageDeadLettered struct {
	DeliveryTag uint64 `json:"delivery_tag"`
	Reason      string `json:"reason"`
	BodySize    int    `json:"body_size"`
}

func (e MessageDeadLettered) Type() string   { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Client() string { return "" }
func (e MessageDeadLettered) Wrap(connectorID string) *Envelope {
	return wrap(e, connectorID)
}
