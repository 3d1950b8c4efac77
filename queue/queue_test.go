// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_CompactionShrinksJournal(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) {
		cfg.SyncWrites = false
		cfg.CompactionThreshold = 16
	})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "q1", Config{MaxBytes: 1 << 20, MaxMessages: 1000}))
	q, err := s.get("q1")
	require.NoError(t, err)

	// Drive enough churn past the dead-record threshold to force at
	// least one rewrite.
	for i := 0; i < 200; i++ {
		_, err := s.Enqueue(ctx, "q1", []byte(fmt.Sprintf("churn-%d", i)), "")
		require.NoError(t, err)
		_, ok, err := s.Dequeue(ctx, "q1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	q.mu.Lock()
	dead := q.jn.DeadRecords()
	size := q.jn.Size()
	q.mu.Unlock()

	// After compaction the journal holds far fewer than the 400 records
	// written, and the dead counter was reset by the rewrite.
	assert.Less(t, dead, 32)
	assert.Less(t, size, int64(200*20))
}

func TestQueue_CompactionPreservesLiveMessages(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultServerConfig()
	cfg.DataDir = dir
	cfg.CompactionThreshold = 8
	ctx := context.Background()

	s, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, "q1", Config{MaxBytes: 1 << 20, MaxMessages: 1000}))

	// Interleave so live messages remain while dead records accumulate.
	for i := 0; i < 30; i++ {
		_, err := s.Enqueue(ctx, "q1", []byte(fmt.Sprintf("keep-%d", i)), "")
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		_, ok, err := s.Dequeue(ctx, "q1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Close())

	restarted, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)
	defer restarted.Close()

	for i := 20; i < 30; i++ {
		msg, ok, err := restarted.Dequeue(ctx, "q1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("keep-%d", i), string(msg.Payload))
	}
}

func TestQueue_SingleWakePerEnqueue(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "q1", Config{MaxBytes: 1 << 20, MaxMessages: 100}))

	const consumers = 4
	results := make(chan bool, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Dequeue(ctx, "q1", 300*time.Millisecond)
			assert.NoError(t, err)
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	_, err := s.Enqueue(ctx, "q1", []byte("one"), "")
	require.NoError(t, err)

	wg.Wait()
	close(results)

	delivered := 0
	for ok := range results {
		if ok {
			delivered++
		}
	}
	// Exactly one consumer gets the message; the rest time out empty.
	assert.Equal(t, 1, delivered)
}

func TestQueue_CloseWakesBlockedConsumers(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.DataDir = t.TempDir()
	s, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "q1", Config{MaxBytes: 1 << 20, MaxMessages: 100}))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := s.Dequeue(ctx, "q1", time.Minute)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer still blocked after server close")
		}
	}
}

func TestQueue_ZeroTimeoutPolls(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "q1", Config{MaxBytes: 1 << 20, MaxMessages: 100}))

	// Zero timeout on an empty queue returns immediately with no message.
	start := time.Now()
	_, ok, err := s.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, err = s.Enqueue(ctx, "q1", []byte("ready"), "")
	require.NoError(t, err)

	msg, ok, err := s.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ready", string(msg.Payload))
}

func TestOverflowPolicyParse(t *testing.T) {
	p, err := ParseOverflowPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, p)

	p, err = ParseOverflowPolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, Reject, p)

	_, err = ParseOverflowPolicy("bogus")
	assert.Error(t, err)
}
