// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelapi "go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/blob/memory"
	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/pkg/validation"
	"github.com/absmach/fluxfn/queue"
	fluxotel "github.com/absmach/fluxfn/server/otel"
)

func newTestEngine(t *testing.T) (*Engine, *executor.Executor, blob.Store) {
	t.Helper()

	blobs := memory.New()
	registry := executor.NewRegistry(blobs, nil)

	cfg := executor.DefaultConfig()
	cfg.WorkspaceDir = t.TempDir()
	cfg.JanitorInterval = 0

	exec, err := executor.New(cfg, registry, blobs, nil, nil)
	require.NoError(t, err)

	engine := NewEngine(exec, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Stop(ctx)
		exec.Close()
		blobs.Close()
	})

	return engine, exec, blobs
}

func registerScript(t *testing.T, exec *executor.Executor, blobs blob.Store, name, script string) executor.Registration {
	t.Helper()

	codeID, err := blobs.Put(context.Background(), []byte(script), blob.Metadata{})
	require.NoError(t, err)

	reg, err := exec.Registry().Register(context.Background(), codeID, name, executor.RuntimeExec, name+".sh", "")
	require.NoError(t, err)
	require.True(t, reg.Verified)

	return reg
}

func TestEngine_SetScheduleValidates(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	_, err := engine.SetSchedule(context.Background(), reg.ID, "every tuesday")
	require.Error(t, err)
	var verr *validation.Error
	assert.ErrorAs(t, err, &verr)

	_, err = engine.SetSchedule(context.Background(), "no-such-fn", "*/5 * * * *")
	assert.True(t, errors.Is(err, executor.ErrNotFound))
}

func TestEngine_SetSchedulePersistsNormalizedBinding(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	normalized, err := engine.SetSchedule(context.Background(), reg.ID, "*/10 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "0 */10 * * * ?", normalized)

	got, err := exec.Registry().Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.TriggerTimer, got.TriggerType)
	assert.Equal(t, "0 */10 * * * ?", got.Schedule)
	assert.Empty(t, got.TriggerQueue)
	assert.Equal(t, 1, engine.Active())
}

func TestEngine_FiresRegisteredFunction(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)

	out := filepath.Join(t.TempDir(), "fires")
	t.Setenv("FLUXFN_TEST_OUT", out)
	reg := registerScript(t, exec, blobs, "ticker", "#!/bin/sh\necho fired >> \"$FLUXFN_TEST_OUT\"\n")

	_, err := engine.SetSchedule(context.Background(), reg.ID, "* * * * * ?")
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && len(data) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngine_StartRestoresPersistedBindings(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)

	out := filepath.Join(t.TempDir(), "fires")
	t.Setenv("FLUXFN_TEST_OUT", out)
	reg := registerScript(t, exec, blobs, "restored", "#!/bin/sh\necho fired >> \"$FLUXFN_TEST_OUT\"\n")

	// Binding persisted out of band, as if written by a previous run.
	require.NoError(t, exec.Registry().SetScheduleBinding(context.Background(), reg.ID, "* * * * * ?"))

	_, ok := engine.NextFire(reg.ID)
	assert.False(t, ok)

	require.NoError(t, engine.Start(context.Background()))

	next, ok := engine.NextFire(reg.ID)
	require.True(t, ok)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && len(data) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngine_ClearSchedule(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	_, err := engine.SetSchedule(context.Background(), reg.ID, "0 0 12 * * ?")
	require.NoError(t, err)

	require.NoError(t, engine.ClearSchedule(context.Background(), reg.ID))

	got, err := exec.Registry().Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TriggerType)
	assert.Empty(t, got.Schedule)

	_, ok := engine.NextFire(reg.ID)
	assert.False(t, ok)
	assert.Zero(t, engine.Active())

	// Clearing again is a no-op.
	require.NoError(t, engine.ClearSchedule(context.Background(), reg.ID))

	err = engine.ClearSchedule(context.Background(), "no-such-fn")
	assert.True(t, errors.Is(err, executor.ErrNotFound))
}

func TestEngine_RebindReplacesEntry(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	_, err := engine.SetSchedule(context.Background(), reg.ID, "0 0 12 * * ?")
	require.NoError(t, err)
	_, err = engine.SetSchedule(context.Background(), reg.ID, "0 30 18 * * ?")
	require.NoError(t, err)

	assert.Equal(t, 1, engine.Active())

	got, err := exec.Registry().Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 30 18 * * ?", got.Schedule)
}

func TestEngine_SetScheduleDisplacesQueueWorker(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	qcfg := queue.DefaultServerConfig()
	qcfg.DataDir = t.TempDir()
	qcfg.SyncWrites = false
	queues, err := queue.NewServer(qcfg, nil, nil)
	require.NoError(t, err)

	dcfg := dispatch.DefaultConfig()
	dcfg.PollTimeout = 100 * time.Millisecond
	disp := dispatch.New(dcfg, queues, exec, nil, nil)
	engine.SetQueueTriggers(disp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disp.Shutdown(ctx)
		queues.Close()
	})

	require.NoError(t, disp.Activate(context.Background(), reg.ID, "jobs"))
	require.Len(t, disp.Workers(), 1)

	_, err = engine.SetSchedule(context.Background(), reg.ID, "0 0 12 * * ?")
	require.NoError(t, err)

	// The queue worker is gone; only the timer trigger remains.
	assert.Empty(t, disp.Workers())
	assert.Equal(t, 1, engine.Active())

	got, err := exec.Registry().Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.TriggerTimer, got.TriggerType)
	assert.Empty(t, got.TriggerQueue)
}

func TestEngine_ScheduleGaugeTracksEntries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otelapi.GetMeterProvider()
	otelapi.SetMeterProvider(provider)
	t.Cleanup(func() { otelapi.SetMeterProvider(prev) })

	metrics, err := fluxotel.NewMetrics()
	require.NoError(t, err)

	blobs := memory.New()
	registry := executor.NewRegistry(blobs, nil)
	cfg := executor.DefaultConfig()
	cfg.WorkspaceDir = t.TempDir()
	cfg.JanitorInterval = 0
	exec, err := executor.New(cfg, registry, blobs, nil, nil)
	require.NoError(t, err)

	engine := NewEngine(exec, nil, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Stop(ctx)
		exec.Close()
		blobs.Close()
	})

	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	_, err = engine.SetSchedule(context.Background(), reg.ID, "0 0 12 * * ?")
	require.NoError(t, err)
	// Replacing the expression must not inflate the gauge.
	_, err = engine.SetSchedule(context.Background(), reg.ID, "0 30 18 * * ?")
	require.NoError(t, err)
	assert.Equal(t, int64(1), scheduleGaugeValue(t, reader))

	require.True(t, engine.Unbind(reg.ID))
	assert.Equal(t, int64(0), scheduleGaugeValue(t, reader))
}

func scheduleGaugeValue(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "fluxfn.schedule.entries.active" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatal("schedule gauge not exported")
	return 0
}

func TestEngine_UnbindDropsEntryOnly(t *testing.T) {
	engine, exec, blobs := newTestEngine(t)
	reg := registerScript(t, exec, blobs, "noop", "#!/bin/sh\nexit 0\n")

	_, err := engine.SetSchedule(context.Background(), reg.ID, "0 0 12 * * ?")
	require.NoError(t, err)

	assert.True(t, engine.Unbind(reg.ID))
	assert.False(t, engine.Unbind(reg.ID))

	// Persisted binding survives; only the live entry is gone.
	got, err := exec.Registry().Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 0 12 * * ?", got.Schedule)
	assert.Zero(t, engine.Active())
}
