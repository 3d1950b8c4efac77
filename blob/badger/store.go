// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the persistent BadgerDB-backed blob store.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfn/blob"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var _ blob.Store = (*Store)(nil)

// Key format:
//   - Metadata: blob:meta:{id}
//   - Payload:  blob:data:{id}
const (
	metaPrefix = "blob:meta:"
	dataPrefix = "blob:data:"
)

// Payload values carry a one-byte encoding header.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1

	// Payloads at or below this size are never compressed.
	compressionThreshold = 256
)

// Config holds BadgerDB blob store configuration.
type Config struct {
	Dir           string // Directory for BadgerDB data
	MaxObjectSize int64  // Largest accepted object; 0 means unlimited
}

// DefaultConfig returns the default blob store configuration.
func DefaultConfig() Config {
	return Config{
		Dir:           "./data/blobs",
		MaxObjectSize: 128 * 1024 * 1024, // 128MB
	}
}

// Store is a BadgerDB-backed blob store with transparent compression.
type Store struct {
	db  *badger.DB
	cfg Config

	enc *zstd.Encoder
	dec *zstd.Decoder

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New creates a new BadgerDB-backed blob store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Registered function code must survive a crash, so every write is
	// synced. Blob traffic is registration-time only, not per-message.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		enc:      enc,
		dec:      dec,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Put stores an object and returns its generated ID.
func (s *Store) Put(ctx context.Context, data []byte, meta blob.Metadata) (string, error) {
	if s.cfg.MaxObjectSize > 0 && int64(len(data)) > s.cfg.MaxObjectSize {
		return "", blob.ErrTooLarge
	}

	id := uuid.New().String()
	meta.Size = int64(len(data))
	meta.CreatedAt = time.Now().UTC()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaPrefix+id), metaData); err != nil {
			return err
		}
		return txn.Set([]byte(dataPrefix+id), s.encode(data))
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w: %w", blob.ErrOperationFailed, err)
	}

	return id, nil
}

// Get retrieves an object and its metadata.
func (s *Store) Get(ctx context.Context, id string) ([]byte, blob.Metadata, error) {
	var meta blob.Metadata
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return blob.ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(dataPrefix + id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return blob.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			data, err = s.decode(val)
			return err
		})
	})
	if err != nil {
		if err == blob.ErrNotFound {
			return nil, blob.Metadata{}, err
		}
		return nil, blob.Metadata{}, fmt.Errorf("failed to get object %s: %w: %w", id, blob.ErrOperationFailed, err)
	}

	return data, meta, nil
}

// Stat retrieves metadata without loading the payload.
func (s *Store) Stat(ctx context.Context, id string) (blob.Metadata, error) {
	var meta blob.Metadata

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return blob.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		if err == blob.ErrNotFound {
			return blob.Metadata{}, err
		}
		return blob.Metadata{}, fmt.Errorf("failed to stat object %s: %w: %w", id, blob.ErrOperationFailed, err)
	}

	return meta, nil
}

// SetAttributes merges attributes into an object's metadata. A key mapped
// to the empty string removes that attribute.
func (s *Store) SetAttributes(ctx context.Context, id string, attrs map[string]string) error {
	key := []byte(metaPrefix + id)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return blob.ErrNotFound
			}
			return err
		}

		var meta blob.Metadata
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}

		if meta.Attributes == nil {
			meta.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			if v == "" {
				delete(meta.Attributes, k)
				continue
			}
			meta.Attributes[k] = v
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if err == blob.ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to update attributes of %s: %w: %w", id, blob.ErrOperationFailed, err)
	}

	return nil
}

// Delete removes an object and its metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(metaPrefix + id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return blob.ErrNotFound
			}
			return err
		}
		if err := txn.Delete([]byte(metaPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(dataPrefix + id))
	})
	if err != nil {
		if err == blob.ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to delete object %s: %w: %w", id, blob.ErrOperationFailed, err)
	}

	return nil
}

// List returns metadata for all stored objects, ordered by ID.
func (s *Store) List(ctx context.Context) ([]blob.ObjectInfo, error) {
	infos := make([]blob.ObjectInfo, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), metaPrefix)

			err := item.Value(func(val []byte) error {
				var meta blob.Metadata
				if err := json.Unmarshal(val, &meta); err != nil {
					return err
				}
				infos = append(infos, blob.ObjectInfo{ID: id, Metadata: meta})
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w: %w", blob.ErrOperationFailed, err)
	}

	// Badger iterates keys in byte order already; keep the contract
	// explicit in case the key layout changes.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	s.enc.Close()
	s.dec.Close()

	// Close the database
	return s.db.Close()
}

// encode prepends the encoding header, compressing when it pays off.
func (s *Store) encode(data []byte) []byte {
	if len(data) > compressionThreshold {
		compressed := s.enc.EncodeAll(data, make([]byte, 1, len(data)/2))
		if len(compressed) < len(data)+1 {
			compressed[0] = encodingZstd
			return compressed
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = encodingRaw
	copy(out[1:], data)
	return out
}

// decode strips the encoding header and decompresses if needed.
func (s *Store) decode(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("empty payload value")
	}
	switch val[0] {
	case encodingRaw:
		out := make([]byte, len(val)-1)
		copy(out, val[1:])
		return out, nil
	case encodingZstd:
		return s.dec.DecodeAll(val[1:], nil)
	default:
		return nil, fmt.Errorf("unknown payload encoding %d", val[0])
	}
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Run GC with 0.5 discard ratio (reclaim if 50%+ of file is garbage)
			// This may return an error if no GC was needed, which is fine
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Graceful shutdown: skip final GC to avoid vlog corruption
			// GC during close can cause "Invalid datakey id" errors on restart
			return
		}
	}
}
