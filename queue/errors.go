// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

var (
	// ErrNotFound is returned when the named queue does not exist.
	ErrNotFound = errors.New("queue not found")

	// ErrConfigMismatch is returned when a queue is created with a name
	// that already exists under a different configuration.
	ErrConfigMismatch = errors.New("queue already exists with different configuration")

	// ErrQuotaExceeded is returned when admitting a message would exceed
	// the queue's byte or count quota and the overflow policy cannot make
	// room for it.
	ErrQuotaExceeded = errors.New("queue quota exceeded")

	// ErrMessageTooLarge is returned when a payload exceeds the
	// single-message size ceiling.
	ErrMessageTooLarge = errors.New("message exceeds maximum message size")

	// ErrInvalidName is returned for queue names that fail validation.
	ErrInvalidName = errors.New("invalid queue name")

	// ErrServerClosed is returned for operations on a closed server.
	ErrServerClosed = errors.New("queue server closed")
)
