// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides a map-backed blob store for tests and
// ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxfn/blob"
	"github.com/google/uuid"
)

var _ blob.Store = (*Store)(nil)

// Store is an in-memory implementation of blob.Store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object

	// MaxObjectSize bounds accepted objects; 0 means unlimited.
	MaxObjectSize int64
}

type object struct {
	data []byte
	meta blob.Metadata
}

// New creates a new in-memory blob store.
func New() *Store {
	return &Store{
		objects: make(map[string]object),
	}
}

// Put stores an object and returns its generated ID.
func (s *Store) Put(ctx context.Context, data []byte, meta blob.Metadata) (string, error) {
	if s.MaxObjectSize > 0 && int64(len(data)) > s.MaxObjectSize {
		return "", blob.ErrTooLarge
	}

	id := uuid.New().String()
	meta.Size = int64(len(data))
	meta.CreatedAt = time.Now().UTC()
	meta.Attributes = copyAttributes(meta.Attributes)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[id] = object{data: stored, meta: meta}

	return id, nil
}

// Get retrieves an object and its metadata.
func (s *Store) Get(ctx context.Context, id string) ([]byte, blob.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, blob.Metadata{}, blob.ErrNotFound
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	meta := obj.meta
	meta.Attributes = copyAttributes(meta.Attributes)

	return data, meta, nil
}

// Stat retrieves metadata without the payload.
func (s *Store) Stat(ctx context.Context, id string) (blob.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return blob.Metadata{}, blob.ErrNotFound
	}

	meta := obj.meta
	meta.Attributes = copyAttributes(meta.Attributes)
	return meta, nil
}

// SetAttributes merges attributes into an object's metadata. A key mapped
// to the empty string removes that attribute.
func (s *Store) SetAttributes(ctx context.Context, id string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return blob.ErrNotFound
	}

	merged := copyAttributes(obj.meta.Attributes)
	if merged == nil {
		merged = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	obj.meta.Attributes = merged
	s.objects[id] = obj

	return nil
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return blob.ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

// List returns metadata for all stored objects, ordered by ID.
func (s *Store) List(ctx context.Context) ([]blob.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]blob.ObjectInfo, 0, len(s.objects))
	for id, obj := range s.objects {
		meta := obj.meta
		meta.Attributes = copyAttributes(meta.Attributes)
		infos = append(infos, blob.ObjectInfo{ID: id, Metadata: meta})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

func copyAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
