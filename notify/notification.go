// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

// Package notify defines the notification envelope exchanged between the
// publisher tier and connector instances over the fanout exchange.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Notification types.
const (
	TypeBroadcast = "broadcast"
	TypeDirect    = "direct"
	TypeKickOut   = "kickout"
)

// Envelope errors.
var (
	ErrUnknownType   = errors.New("unknown notification type")
	ErrMissingTarget = errors.New("notification requires a target client")
)

// Notification is a single push message. Target is only meaningful for
// direct and kickout notifications; the payload is opaque to the connector.
//
// ID is the publisher-assigned message identifier that clients echo back in
// confirmation frames. Notifications without an ID are delivered
// fire-and-forget: nothing is recorded for them and they are never resent.
type Notification struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Encode serializes the notification into its JSON wire envelope.
func (n *Notification) Encode() ([]byte, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// Decode parses a wire envelope into a Notification. It rejects unknown
// types and direct/kickout notifications without a target, so malformed
// envelopes are caught at the ingress boundary rather than at dispatch.
func Decode(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("malformed notification envelope: %w", err)
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (n *Notification) validate() error {
	switch n.Type {
	case TypeBroadcast:
		return nil
	case TypeDirect, TypeKickOut:
		if n.Target == "" {
			return fmt.Errorf("%w: type %q", ErrMissingTarget, n.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, n.Type)
	}
}
