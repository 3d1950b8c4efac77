// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/blob/memory"
	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/ratelimit"
	"github.com/absmach/fluxfn/schedule"
)

type testServer struct {
	base   string
	client *http.Client
	blobs  blob.Store
	queues *queue.Server
}

func newTestServer(t *testing.T, limiter *ratelimit.Manager) *testServer {
	t.Helper()

	blobs := memory.New()
	registry := executor.NewRegistry(blobs, nil)

	ecfg := executor.DefaultConfig()
	ecfg.WorkspaceDir = t.TempDir()
	ecfg.JanitorInterval = 0
	ecfg.ExecutionTimeout = 10 * time.Second
	exec, err := executor.New(ecfg, registry, blobs, nil, nil)
	require.NoError(t, err)

	qcfg := queue.DefaultServerConfig()
	qcfg.DataDir = t.TempDir()
	qcfg.SyncWrites = false
	queues, err := queue.NewServer(qcfg, nil, nil)
	require.NoError(t, err)

	sched := schedule.NewEngine(exec, nil, nil)
	require.NoError(t, sched.Start(context.Background()))

	dcfg := dispatch.DefaultConfig()
	dcfg.PollTimeout = 100 * time.Millisecond
	disp := dispatch.New(dcfg, queues, exec, nil, nil)

	s := New(Config{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
		StatsInterval:   time.Second,
	}, queues, exec, sched, disp, blobs, limiter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("admin server did not shut down")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		disp.Shutdown(shutdownCtx)
		sched.Stop(shutdownCtx)
		queues.Close()
		exec.Close()
		blobs.Close()
	})

	return &testServer{
		base:   "http://" + s.Addr(),
		client: &http.Client{Timeout: 10 * time.Second},
		blobs:  blobs,
		queues: queues,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.base+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func registerEcho(t *testing.T, ts *testServer) executor.Registration {
	t.Helper()

	resp, data := ts.do(t, http.MethodPost, "/v1/functions", map[string]any{
		"name":       "echo",
		"runtime":    "exec",
		"entrypoint": "echo.sh",
		"code":       []byte("#!/bin/sh\ncat\n"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var reg executor.Registration
	require.NoError(t, json.Unmarshal(data, &reg))
	require.True(t, reg.Verified)
	return reg
}

func TestRegisterFunction(t *testing.T) {
	ts := newTestServer(t, nil)

	reg := registerEcho(t, ts)
	assert.Equal(t, "echo", reg.Name)
	assert.Equal(t, executor.RuntimeExec, reg.Runtime)
	assert.NotEmpty(t, reg.ID)
	assert.NotEmpty(t, reg.BlobID)

	// The function shows up in the listing.
	resp, data := ts.do(t, http.MethodGet, "/v1/functions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var regs []executor.Registration
	require.NoError(t, json.Unmarshal(data, &regs))
	require.Len(t, regs, 1)
	assert.Equal(t, reg.ID, regs[0].ID)
}

func TestRegisterFunctionValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, data := ts.do(t, http.MethodPost, "/v1/functions", map[string]any{
		"runtime": "cobol",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Contains(t, errResp.Fields, "name")
	assert.Contains(t, errResp.Fields, "runtime")
	assert.Contains(t, errResp.Fields, "entrypoint")
	assert.Contains(t, errResp.Fields, "code")
}

func TestGetFunctionNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodGet, "/v1/functions/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	reg := registerEcho(t, ts)

	// Five-field expressions are normalized to the six-field form.
	resp, data := ts.do(t, http.MethodPut, "/v1/functions/"+reg.ID+"/schedule", map[string]any{
		"schedule": "*/10 * * * *",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var schedResp setScheduleResponse
	require.NoError(t, json.Unmarshal(data, &schedResp))
	assert.Equal(t, "0 */10 * * * ?", schedResp.Schedule)
	assert.NotEmpty(t, schedResp.NextFire)

	// Invalid expressions are rejected up front.
	resp, data = ts.do(t, http.MethodPut, "/v1/functions/"+reg.ID+"/schedule", map[string]any{
		"schedule": "not a cron",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Contains(t, errResp.Fields, "schedule")

	resp, _ = ts.do(t, http.MethodDelete, "/v1/functions/"+reg.ID+"/schedule", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestQueueTriggerLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	reg := registerEcho(t, ts)

	resp, data := ts.do(t, http.MethodPut, "/v1/functions/"+reg.ID+"/trigger", map[string]any{
		"queue": "jobs",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.True(t, ts.queues.Exists("jobs"))

	// The worker appears in the listing.
	resp, data = ts.do(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var workers []dispatch.WorkerStatus
	require.NoError(t, json.Unmarshal(data, &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, reg.ID, workers[0].FunctionID)
	assert.Equal(t, "jobs", workers[0].Queue)

	resp, _ = ts.do(t, http.MethodDelete, "/v1/functions/"+reg.ID+"/trigger", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestExecuteFunction(t *testing.T) {
	ts := newTestServer(t, nil)
	reg := registerEcho(t, ts)

	resp, data := ts.do(t, http.MethodPost, "/v1/functions/"+reg.ID+"/execute", map[string]any{
		"input": []byte("ping"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var execResp executeResponse
	require.NoError(t, json.Unmarshal(data, &execResp))
	assert.Equal(t, "succeeded", execResp.Outcome)
	assert.Equal(t, "ping", execResp.Stdout)
	assert.Empty(t, execResp.Error)
}

func TestDeleteFunctionTearsDownTrigger(t *testing.T) {
	ts := newTestServer(t, nil)
	reg := registerEcho(t, ts)

	resp, _ := ts.do(t, http.MethodPut, "/v1/functions/"+reg.ID+"/trigger", map[string]any{"queue": "jobs"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/v1/functions/"+reg.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/v1/functions/"+reg.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data := ts.do(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var workers []dispatch.WorkerStatus
	require.NoError(t, json.Unmarshal(data, &workers))
	assert.Empty(t, workers)
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, data := ts.do(t, http.MethodPost, "/v1/queues", map[string]any{
		"name":         "orders",
		"max_bytes":    1 << 20,
		"max_messages": 100,
		"policy":       "drop_oldest",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	// Recreating with a different configuration conflicts.
	resp, _ = ts.do(t, http.MethodPost, "/v1/queues", map[string]any{
		"name":         "orders",
		"max_bytes":    2 << 20,
		"max_messages": 100,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for i := 0; i < 3; i++ {
		resp, data = ts.do(t, http.MethodPost, "/v1/queues/orders/messages", map[string]any{
			"payload":      []byte(fmt.Sprintf("order-%d", i)),
			"content_type": "text/plain",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	}

	resp, data = ts.do(t, http.MethodGet, "/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []queue.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "orders", stats[0].Name)
	assert.Equal(t, int64(3), stats[0].MessageCount)

	resp, _ = ts.do(t, http.MethodDelete, "/v1/queues/orders/messages", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = ts.do(t, http.MethodGet, "/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, int64(0), stats[0].MessageCount)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodPost, "/v1/queues/ghost/messages", map[string]any{
		"payload": []byte("x"),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Request.Rate = 1
	cfg.Request.Burst = 2
	limiter := ratelimit.NewManager(cfg)
	t.Cleanup(limiter.Stop)

	ts := newTestServer(t, limiter)

	// Burst allows the first requests; the next is limited.
	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/v1/queues/stats", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.True(t, limited, "expected a rate limited response")
}

func TestStatsWebSocket(t *testing.T) {
	ts := newTestServer(t, nil)

	require.NoError(t, ts.queues.Create(context.Background(), "metrics", queue.Config{MaxBytes: 1 << 20, MaxMessages: 10}))

	wsURL := "ws" + ts.base[len("http"):] + "/v1/stats/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame statsFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Len(t, frame.Queues, 1)
	assert.Equal(t, "metrics", frame.Queues[0].Name)
}
