// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxfn/journal"
)

// queue is a single named FIFO queue. All mutations go through the queue's
// mutex, so same-queue operations are serialized while different queues
// proceed in parallel. Every mutation is journaled before the in-memory
// index changes.
type queue struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries []Message
	bytes   int64
	jn      *journal.Journal
	waiters []chan struct{}
	closed  bool

	enqueuedTotal uint64
	dequeuedTotal uint64
	evictedTotal  uint64

	syncWrites       bool
	compactThreshold int
}

func openQueue(name, journalPath string, cfg Config, syncWrites bool, compactThreshold int, logger *slog.Logger) (*queue, error) {
	jn, live, err := journal.Open(journalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for queue %q: %w", name, err)
	}

	q := &queue{
		name:             name,
		cfg:              cfg,
		logger:           logger,
		entries:          make([]Message, 0, len(live)),
		jn:               jn,
		syncWrites:       syncWrites,
		compactThreshold: compactThreshold,
	}

	for _, e := range live {
		q.entries = append(q.entries, entryToMessage(e))
		q.bytes += int64(len(e.Payload))
	}

	return q, nil
}

func entryToMessage(e journal.Entry) Message {
	return Message{
		ID:          e.ID,
		ContentType: e.ContentType,
		Payload:     e.Payload,
		Size:        int64(len(e.Payload)),
		EnqueuedAt:  time.UnixMilli(e.EnqueuedAt),
		seq:         e.Seq,
	}
}

func messageToEntry(m Message) journal.Entry {
	return journal.Entry{
		Seq:         m.seq,
		ID:          m.ID,
		ContentType: m.ContentType,
		EnqueuedAt:  m.EnqueuedAt.UnixMilli(),
		Payload:     m.Payload,
	}
}

// enqueue admits a message under the queue's quota and overflow policy.
// It returns the number of messages evicted to make room.
func (q *queue) enqueue(id string, payload []byte, contentType string) (int, error) {
	size := int64(len(payload))

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrServerClosed
	}

	evict := 0
	if !q.fitsLocked(size, 0, 0) {
		if q.cfg.Policy == Reject {
			return 0, ErrQuotaExceeded
		}

		// Drop-oldest: walk forward from the head until the new message
		// fits. If it cannot fit even with the queue emptied, the quota
		// violation surfaces after all.
		freed := int64(0)
		for evict < len(q.entries) && !q.fitsLocked(size, evict, freed) {
			freed += q.entries[evict].Size
			evict++
		}
		if !q.fitsLocked(size, evict, freed) {
			return 0, ErrQuotaExceeded
		}
	}

	entry := journal.Entry{
		ID:          id,
		ContentType: contentType,
		EnqueuedAt:  time.Now().UnixMilli(),
		Payload:     payload,
	}

	// Log first, then index: the mutation is acknowledged only after the
	// journal record is on disk.
	seq, err := q.jn.AppendEnqueue(entry, evict)
	if err != nil {
		return 0, fmt.Errorf("failed to journal enqueue: %w", err)
	}
	if q.syncWrites {
		if err := q.jn.Sync(); err != nil {
			return 0, err
		}
	}

	for i := 0; i < evict; i++ {
		q.bytes -= q.entries[i].Size
		q.entries[i] = Message{}
	}
	q.entries = q.entries[evict:]

	msg := entryToMessage(entry)
	msg.seq = seq
	q.entries = append(q.entries, msg)
	q.bytes += size

	q.enqueuedTotal++
	q.evictedTotal += uint64(evict)

	q.wakeLocked()
	return evict, nil
}

// fitsLocked reports whether a message of the given size fits after
// removing the first removeCount entries totalling removedBytes. A quota
// of zero or below is unlimited.
func (q *queue) fitsLocked(size int64, removeCount int, removedBytes int64) bool {
	if q.cfg.MaxBytes > 0 && q.bytes-removedBytes+size > q.cfg.MaxBytes {
		return false
	}
	if q.cfg.MaxMessages > 0 && int64(len(q.entries)-removeCount)+1 > q.cfg.MaxMessages {
		return false
	}
	return true
}

// dequeue removes and returns the oldest message. It blocks until a
// message arrives, the timeout elapses, or ctx is canceled; the latter two
// return ok=false with the queue untouched.
func (q *queue) dequeue(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// A caller that has already given up must not consume a message.
		if ctx.Err() != nil {
			return Message{}, false, nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Message{}, false, ErrServerClosed
		}

		if len(q.entries) > 0 {
			head := q.entries[0]

			if err := q.jn.AppendDequeue(head.seq); err != nil {
				q.mu.Unlock()
				return Message{}, false, fmt.Errorf("failed to journal dequeue: %w", err)
			}
			if q.syncWrites {
				if err := q.jn.Sync(); err != nil {
					q.mu.Unlock()
					return Message{}, false, err
				}
			}

			q.entries[0] = Message{}
			q.entries = q.entries[1:]
			q.bytes -= head.Size
			q.dequeuedTotal++
			q.maybeCompactLocked()
			q.mu.Unlock()
			return head, true, nil
		}

		waiter := make(chan struct{}, 1)
		q.waiters = append(q.waiters, waiter)
		q.mu.Unlock()

		select {
		case <-waiter:
			// Woken by an enqueue or close; re-check under the lock.
		case <-timer.C:
			q.abandonWaiter(waiter)
			return Message{}, false, nil
		case <-ctx.Done():
			q.abandonWaiter(waiter)
			return Message{}, false, nil
		}
	}
}

// purge durably clears all messages and resets counters.
func (q *queue) purge() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrServerClosed
	}

	if err := q.jn.AppendPurge(len(q.entries)); err != nil {
		return fmt.Errorf("failed to journal purge: %w", err)
	}
	if q.syncWrites {
		if err := q.jn.Sync(); err != nil {
			return err
		}
	}

	q.entries = nil
	q.bytes = 0
	q.maybeCompactLocked()
	return nil
}

// wakeLocked hands the wakeup to the longest-waiting dequeuer. Waiters are
// woken in arrival order.
func (q *queue) wakeLocked() {
	if len(q.entries) == 0 || len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

// abandonWaiter removes a waiter that timed out or was canceled. If the
// waiter was already signaled, the wakeup is passed on so an available
// message is not left without a consumer.
func (q *queue) abandonWaiter(waiter chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.waiters {
		if w == waiter {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}

	select {
	case <-waiter:
		q.wakeLocked()
	default:
	}
}

// maybeCompactLocked rewrites the journal once enough of it is dead
// weight. Compaction failures are logged, not surfaced: the mutation that
// triggered them is already durable.
func (q *queue) maybeCompactLocked() {
	if q.compactThreshold <= 0 {
		return
	}
	dead := q.jn.DeadRecords()
	if dead < q.compactThreshold || dead < len(q.entries) {
		return
	}

	live := make([]journal.Entry, 0, len(q.entries))
	for _, m := range q.entries {
		live = append(live, messageToEntry(m))
	}

	if err := q.jn.Rewrite(live); err != nil {
		q.logger.Warn("journal_compaction_failed",
			slog.String("queue", q.name),
			slog.String("error", err.Error()))
		return
	}

	q.logger.Debug("journal_compacted",
		slog.String("queue", q.name),
		slog.Int("live_messages", len(live)))
}

// stats returns a consistent point-in-time snapshot.
func (q *queue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Name:          q.name,
		MessageCount:  int64(len(q.entries)),
		TotalBytes:    q.bytes,
		MaxBytes:      q.cfg.MaxBytes,
		MaxMessages:   q.cfg.MaxMessages,
		Policy:        q.cfg.Policy.String(),
		EnqueuedTotal: q.enqueuedTotal,
		DequeuedTotal: q.dequeuedTotal,
		EvictedTotal:  q.evictedTotal,
	}
}

// close closes the journal and wakes every blocked dequeuer.
func (q *queue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil

	return q.jn.Close()
}

// delete closes the queue and removes its journal from disk.
func (q *queue) delete() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		for _, w := range q.waiters {
			close(w)
		}
		q.waiters = nil
	}

	return q.jn.Delete()
}
