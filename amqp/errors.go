// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package amqp

import "errors"

// Client errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrInvalidExchange  = errors.New("exchange name cannot be empty")
	ErrNilHandler       = errors.New("handler cannot be nil")
)
