// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the durable queue engine: named FIFO queues
// with byte and count quotas, configurable overflow behavior, blocking
// dequeue, and crash recovery from per-queue write-ahead journals.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxfn/server/otel"
	"github.com/google/uuid"
)

// queueNameRe bounds queue names to filesystem-safe identifiers, since
// every queue owns a directory under the data root.
var queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const (
	journalFileName = "journal.wal"
	configFileName  = "config.json"
)

// ServerConfig holds configuration for the queue server.
type ServerConfig struct {
	// DataDir is the root directory for queue journals.
	DataDir string

	// MaxMessageSize is the single-message size ceiling in bytes.
	MaxMessageSize int64

	// DefaultMaxBytes and DefaultMaxMessages are the quotas applied to
	// queues created without an explicit configuration.
	DefaultMaxBytes    int64
	DefaultMaxMessages int64

	// DefaultPolicy is the overflow policy for implicitly created queues.
	DefaultPolicy OverflowPolicy

	// SyncWrites fsyncs the journal before acknowledging a mutation.
	// Disabling it trades crash durability for throughput.
	SyncWrites bool

	// CompactionThreshold is the number of dead journal records that
	// triggers a rewrite. Zero disables compaction.
	CompactionThreshold int
}

// DefaultServerConfig returns the default queue server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DataDir:             "./data",
		MaxMessageSize:      1024 * 1024,       // 1MB
		DefaultMaxBytes:     64 * 1024 * 1024,  // 64MB
		DefaultMaxMessages:  100000,
		DefaultPolicy:       Reject,
		SyncWrites:          true,
		CompactionThreshold: 4096,
	}
}

// Server owns all queues. Queue lookup takes the server's read lock;
// queue mutations take only that queue's own mutex, so operations on
// different queues never contend.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled

	mu     sync.RWMutex
	queues map[string]*queue
	closed bool
}

// NewServer opens the queue server, recovering every queue found under
// the data directory to its last durably acknowledged state.
func NewServer(cfg ServerConfig, logger *slog.Logger, metrics *otel.Metrics) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queues:  make(map[string]*queue),
	}

	if err := s.loadQueues(); err != nil {
		return nil, err
	}

	return s, nil
}

// loadQueues discovers queue directories and replays their journals.
func (s *Server) loadQueues() error {
	root := s.queuesDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create queue data directory: %w", err)
	}

	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read queue data directory: %w", err)
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if !queueNameRe.MatchString(name) {
			s.logger.Warn("skipping_unrecognized_queue_directory", slog.String("dir", name))
			continue
		}

		cfg, err := s.loadQueueConfig(name)
		if err != nil {
			return fmt.Errorf("failed to recover queue %q: %w", name, err)
		}

		q, err := s.openQueueInstance(name, cfg)
		if err != nil {
			return fmt.Errorf("failed to recover queue %q: %w", name, err)
		}
		s.queues[name] = q

		st := q.stats()
		s.logger.Info("queue_recovered",
			slog.String("queue", name),
			slog.Int64("messages", st.MessageCount),
			slog.Int64("bytes", st.TotalBytes))
	}

	return nil
}

func (s *Server) queuesDir() string {
	return filepath.Join(s.cfg.DataDir, "queues")
}

func (s *Server) defaultConfig() Config {
	return Config{
		MaxBytes:    s.cfg.DefaultMaxBytes,
		MaxMessages: s.cfg.DefaultMaxMessages,
		Policy:      s.cfg.DefaultPolicy,
	}
}

func (s *Server) openQueueInstance(name string, cfg Config) (*queue, error) {
	path := filepath.Join(s.queuesDir(), name, journalFileName)
	return openQueue(name, path, cfg, s.cfg.SyncWrites, s.cfg.CompactionThreshold, s.logger)
}

// queueConfigFile is the on-disk form of a queue's configuration. It is
// written beside the journal so quotas and overflow policy survive
// restart with the messages they govern.
type queueConfigFile struct {
	MaxBytes    int64  `json:"max_bytes"`
	MaxMessages int64  `json:"max_messages"`
	Policy      string `json:"policy"`
}

func (s *Server) saveQueueConfig(name string, cfg Config) error {
	data, err := json.Marshal(queueConfigFile{
		MaxBytes:    cfg.MaxBytes,
		MaxMessages: cfg.MaxMessages,
		Policy:      cfg.Policy.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode queue config: %w", err)
	}

	// Write-then-rename so recovery never sees a torn config.
	path := filepath.Join(s.queuesDir(), name, configFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write queue config: %w", err)
	}
	return nil
}

// loadQueueConfig reads the persisted configuration for a recovered
// queue. A queue directory without one predates config persistence and
// falls back to the server defaults.
func (s *Server) loadQueueConfig(name string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(s.queuesDir(), name, configFileName))
	if errors.Is(err, os.ErrNotExist) {
		return s.defaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read queue config: %w", err)
	}

	var f queueConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("failed to decode queue config: %w", err)
	}
	policy, err := ParseOverflowPolicy(f.Policy)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode queue config: %w", err)
	}

	return Config{MaxBytes: f.MaxBytes, MaxMessages: f.MaxMessages, Policy: policy}, nil
}

// Create creates a queue with the given configuration. Creating a queue
// that already exists with an identical configuration is a no-op;
// a differing configuration fails with ErrConfigMismatch.
func (s *Server) Create(ctx context.Context, name string, cfg Config) error {
	if !queueNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	if existing, ok := s.queues[name]; ok {
		if existing.cfg == cfg {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrConfigMismatch, name)
	}

	if err := os.MkdirAll(filepath.Join(s.queuesDir(), name), 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	if err := s.saveQueueConfig(name, cfg); err != nil {
		return err
	}

	q, err := s.openQueueInstance(name, cfg)
	if err != nil {
		return err
	}
	s.queues[name] = q

	s.logger.Info("queue_created",
		slog.String("queue", name),
		slog.Int64("max_bytes", cfg.MaxBytes),
		slog.Int64("max_messages", cfg.MaxMessages),
		slog.String("policy", cfg.Policy.String()))
	return nil
}

// Ensure creates the queue with default quotas if it does not exist.
func (s *Server) Ensure(ctx context.Context, name string) error {
	s.mu.RLock()
	_, ok := s.queues[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrServerClosed
	}
	if ok {
		return nil
	}
	return s.Create(ctx, name, s.defaultConfig())
}

// Exists reports whether the named queue exists.
func (s *Server) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.queues[name]
	return ok
}

func (s *Server) get(name string) (*queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return q, nil
}

// Enqueue admits a message to the named queue and returns its generated
// id. The message is durable on disk before Enqueue returns.
func (s *Server) Enqueue(ctx context.Context, name string, payload []byte, contentType string) (string, error) {
	if s.cfg.MaxMessageSize > 0 && int64(len(payload)) > s.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(payload), s.cfg.MaxMessageSize)
	}

	q, err := s.get(name)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	evicted, err := q.enqueue(id, payload, contentType)
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueue(ctx, name, int64(len(payload)))
		if evicted > 0 {
			s.metrics.RecordEvictions(ctx, name, evicted)
		}
	}
	return id, nil
}

// Dequeue removes and returns the oldest message from the named queue.
// It blocks until a message is available, the timeout elapses, or ctx is
// canceled. Timeout and cancellation return ok=false, not an error.
func (s *Server) Dequeue(ctx context.Context, name string, timeout time.Duration) (Message, bool, error) {
	q, err := s.get(name)
	if err != nil {
		return Message{}, false, err
	}

	msg, ok, err := q.dequeue(ctx, timeout)
	if ok && s.metrics != nil {
		s.metrics.RecordDequeue(ctx, name, msg.Size)
	}
	return msg, ok, err
}

// Purge durably removes all messages from the named queue.
func (s *Server) Purge(ctx context.Context, name string) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}
	if err := q.purge(); err != nil {
		return err
	}

	s.logger.Info("queue_purged", slog.String("queue", name))
	if s.metrics != nil {
		s.metrics.RecordPurge(ctx, name)
	}
	return nil
}

// Delete removes the named queue and its on-disk journal.
func (s *Server) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.queues, name)

	if err := q.delete(); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.queuesDir(), name)); err != nil {
		return fmt.Errorf("failed to remove queue directory: %w", err)
	}

	s.logger.Info("queue_deleted", slog.String("queue", name))
	return nil
}

// Stats returns a point-in-time snapshot of every queue, ordered by name.
// Each queue is snapshotted under its own lock, so collection does not
// stall enqueues or dequeues on other queues.
func (s *Server) Stats() []Stats {
	s.mu.RLock()
	queues := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	stats := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// QueueStats returns the snapshot for a single queue.
func (s *Server) QueueStats(name string) (Stats, error) {
	q, err := s.get(name)
	if err != nil {
		return Stats{}, err
	}
	return q.stats(), nil
}

// Close closes every queue journal. Blocked dequeuers are woken and
// receive ErrServerClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, q := range s.queues {
		if err := q.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close queue %q: %w", name, err)
		}
	}

	s.logger.Info("queue_server_closed", slog.Int("queues", len(s.queues)))
	return firstErr
}
