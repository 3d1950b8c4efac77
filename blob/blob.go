// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package blob defines the object store holding function code packages
// and their registration metadata.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNotFound        = errors.New("object not found")
	ErrOperationFailed = errors.New("storage operation failed")

	// ErrTooLarge is a specialization of ErrOperationFailed for objects
	// above the store's size limit.
	ErrTooLarge = fmt.Errorf("%w: object exceeds size limit", ErrOperationFailed)
)

// Metadata describes a stored object. Attributes carry free-form
// key/value pairs; the executor registry uses them for function
// registration state.
type Metadata struct {
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the named attribute or "" when absent.
func (m Metadata) Attribute(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// ObjectInfo pairs an object ID with its metadata.
type ObjectInfo struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
}

// Store is the object store interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores an object and returns its generated ID. Size and
	// CreatedAt in the metadata are filled in by the store.
	Put(ctx context.Context, data []byte, meta Metadata) (string, error)

	// Get retrieves an object and its metadata.
	Get(ctx context.Context, id string) ([]byte, Metadata, error)

	// Stat retrieves metadata without loading the payload.
	Stat(ctx context.Context, id string) (Metadata, error)

	// SetAttributes merges the given attributes into an object's
	// metadata. A key mapped to the empty string removes that attribute.
	SetAttributes(ctx context.Context, id string, attrs map[string]string) error

	// Delete removes an object and its metadata.
	Delete(ctx context.Context, id string) error

	// List returns metadata for all stored objects, ordered by ID.
	List(ctx context.Context) ([]ObjectInfo, error)

	// Close releases the underlying storage.
	Close() error
}
