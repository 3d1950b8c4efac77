// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package executor runs registered functions as sandboxed local
// processes. Code is resolved from the blob store into a throwaway
// workspace directory, invoked through the runtime-specific binary,
// and reaped afterwards. A weighted semaphore bounds concurrent
// executions; with parallel execution disabled the whole executor
// serializes to one process at a time.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/internal/bufpool"
	"github.com/absmach/fluxfn/server/otel"
)

// Outcome classifies how an execution ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Result captures a single execution. Canceled executions are not
// failures: Err is set only when Outcome is failed.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// ExecutionError reports a failed execution with the function identity
// attached for callers that aggregate failures across functions.
type ExecutionError struct {
	Function string
	BlobID   string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of function %q (blob %s) failed: %s", e.Function, e.BlobID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Config holds executor settings.
type Config struct {
	WorkspaceDir       string        `yaml:"workspace_dir"`
	MaxConcurrent      int64         `yaml:"max_concurrent"`
	ParallelExecutions bool          `yaml:"parallel_executions"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
	WorkspaceMaxAge    time.Duration `yaml:"workspace_max_age"`
	PythonBin          string        `yaml:"python_bin"`
	DotnetBin          string        `yaml:"dotnet_bin"`
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		WorkspaceDir:       "./data/workspaces",
		MaxConcurrent:      8,
		ParallelExecutions: true,
		ExecutionTimeout:   60 * time.Second,
		JanitorInterval:    5 * time.Minute,
		WorkspaceMaxAge:    30 * time.Minute,
		PythonBin:          "python3",
		DotnetBin:          "dotnet",
	}
}

// Executor resolves and runs registered functions.
type Executor struct {
	cfg      Config
	registry *Registry
	blobs    blob.Store
	sem      *semaphore.Weighted
	logger   *slog.Logger
	metrics  *otel.Metrics

	stopCh    chan struct{}
	closeOnce sync.Once
	janitorWG sync.WaitGroup
}

// New creates an executor. The metrics handle may be nil.
func New(cfg Config, registry *Registry, blobs blob.Store, logger *slog.Logger, metrics *otel.Metrics) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	capacity := cfg.MaxConcurrent
	if capacity <= 0 {
		capacity = 1
	}
	if !cfg.ParallelExecutions {
		capacity = 1
	}

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}

	e := &Executor{
		cfg:      cfg,
		registry: registry,
		blobs:    blobs,
		sem:      semaphore.NewWeighted(capacity),
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}

	if cfg.JanitorInterval > 0 {
		e.janitorWG.Add(1)
		go e.janitor()
	}

	return e, nil
}

// Registry returns the registry the executor resolves functions from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs the function with the given input on stdin and waits for
// it to finish. Unknown functions return ErrNotFound. A failed run
// returns the *ExecutionError both as the error and in Result.Err;
// cancellation before or during the run yields a canceled Result with a
// nil error.
func (e *Executor) Execute(ctx context.Context, functionID string, input []byte) (Result, error) {
	reg, err := e.registry.Get(ctx, functionID)
	if err != nil {
		return Result{}, err
	}

	if !reg.Verified {
		cause := ErrNotVerified
		if reg.VerifyError != "" {
			cause = fmt.Errorf("%w: %s", ErrNotVerified, reg.VerifyError)
		}
		execErr := &ExecutionError{Function: reg.Name, BlobID: reg.BlobID, Err: cause}
		if e.metrics != nil {
			e.metrics.RecordError(ctx, "execute_unverified")
		}
		return Result{Outcome: OutcomeFailed, Err: execErr}, execErr
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		// Canceled while waiting for capacity. Nothing ran.
		return Result{Outcome: OutcomeCanceled}, nil
	}
	defer e.sem.Release(1)

	if e.metrics != nil {
		e.metrics.RecordExecutionStart(ctx)
	}

	start := time.Now()
	res, runErr := e.invoke(ctx, reg, input)
	res.Duration = time.Since(start)

	if e.metrics != nil {
		e.metrics.RecordExecution(ctx, reg.Name, string(reg.Runtime), string(res.Outcome), float64(res.Duration.Milliseconds()))
	}

	switch res.Outcome {
	case OutcomeSucceeded:
		e.logger.Debug("function_executed",
			slog.String("function", reg.Name),
			slog.String("function_id", reg.ID),
			slog.Duration("duration", res.Duration))
	case OutcomeCanceled:
		e.logger.Debug("function_execution_canceled",
			slog.String("function", reg.Name),
			slog.String("function_id", reg.ID))
	case OutcomeFailed:
		e.logger.Warn("function_execution_failed",
			slog.String("function", reg.Name),
			slog.String("function_id", reg.ID),
			slog.Duration("duration", res.Duration),
			slog.Any("error", runErr))
	}

	return res, runErr
}

// invoke materializes the workspace and runs the process. The workspace
// is removed on every exit path.
func (e *Executor) invoke(ctx context.Context, reg Registration, input []byte) (Result, error) {
	data, _, err := e.blobs.Get(ctx, reg.BlobID)
	if err != nil {
		execErr := &ExecutionError{Function: reg.Name, BlobID: reg.BlobID, Err: fmt.Errorf("failed to resolve code: %w", err)}
		return Result{Outcome: OutcomeFailed, Err: execErr}, execErr
	}

	ws, err := newWorkspace(e.cfg.WorkspaceDir, reg, data)
	if err != nil {
		execErr := &ExecutionError{Function: reg.Name, BlobID: reg.BlobID, Err: fmt.Errorf("failed to materialize workspace: %w", err)}
		return Result{Outcome: OutcomeFailed, Err: execErr}, execErr
	}
	defer ws.remove(e.logger)

	invCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.ExecutionTimeout > 0 {
		invCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}

	cmd, err := buildCommand(invCtx, reg, ws, e.cfg)
	if err != nil {
		execErr := &ExecutionError{Function: reg.Name, BlobID: reg.BlobID, Err: err}
		return Result{Outcome: OutcomeFailed, Err: execErr}, execErr
	}

	stdout := bufpool.Get()
	stderr := bufpool.Get()
	defer bufpool.Put(stdout)
	defer bufpool.Put(stderr)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case runErr == nil:
		res.Outcome = OutcomeSucceeded
		return res, nil
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		res.Outcome = OutcomeCanceled
		return res, nil
	default:
		cause := runErr
		if invCtx.Err() != nil && errors.Is(invCtx.Err(), context.DeadlineExceeded) {
			cause = fmt.Errorf("timed out after %s: %w", e.cfg.ExecutionTimeout, runErr)
		} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				cause = fmt.Errorf("%w: %s", runErr, msg)
			}
		}
		execErr := &ExecutionError{Function: reg.Name, BlobID: reg.BlobID, Err: cause}
		res.Outcome = OutcomeFailed
		res.Err = execErr
		return res, execErr
	}
}

// janitor periodically reaps workspace directories left behind by
// crashed runs.
func (e *Executor) janitor() {
	defer e.janitorWG.Done()

	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := sweepWorkspaces(e.cfg.WorkspaceDir, e.cfg.WorkspaceMaxAge)
			if err != nil {
				e.logger.Warn("workspace_sweep_failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				e.logger.Info("workspaces_swept", slog.Int("removed", removed))
			}
		case <-e.stopCh:
			return
		}
	}
}

// Close stops the janitor. In-flight executions are left to finish
// under their own contexts.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	e.janitorWG.Wait()
	return nil
}
