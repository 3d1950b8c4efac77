// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"time"
)

// OverflowPolicy controls what happens when admitting a message would
// exceed a queue's quota.
type OverflowPolicy uint8

const (
	// Reject fails the enqueue and leaves the queue unchanged.
	Reject OverflowPolicy = iota

	// DropOldest evicts the oldest messages, strictly in FIFO order,
	// until the new message fits.
	DropOldest
)

// String returns the policy name used in configuration and stats.
func (p OverflowPolicy) String() string {
	switch p {
	case Reject:
		return "reject"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseOverflowPolicy parses a policy name from configuration.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "reject", "":
		return Reject, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Config holds the per-queue quota configuration.
type Config struct {
	// MaxBytes is the byte quota: the sum of payload sizes held by the
	// queue never exceeds it.
	MaxBytes int64

	// MaxMessages is the count quota.
	MaxMessages int64

	// Policy selects the overflow behavior.
	Policy OverflowPolicy
}

// Message is a single admitted queue entry. Messages are immutable once
// admitted; they are removed, never edited.
type Message struct {
	ID          string
	ContentType string
	Payload     []byte
	Size        int64
	EnqueuedAt  time.Time

	// seq is the journal sequence backing this message.
	seq uint64
}

// Stats is a point-in-time snapshot of one queue.
type Stats struct {
	Name          string `json:"name"`
	MessageCount  int64  `json:"message_count"`
	TotalBytes    int64  `json:"total_bytes"`
	MaxBytes      int64  `json:"max_bytes"`
	MaxMessages   int64  `json:"max_messages"`
	Policy        string `json:"policy"`
	EnqueuedTotal uint64 `json:"enqueued_total"`
	DequeuedTotal uint64 `json:"dequeued_total"`
	EvictedTotal  uint64 `json:"evicted_total"`
}
