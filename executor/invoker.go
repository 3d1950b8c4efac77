// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// processWaitDelay bounds how long a killed process may hold its pipes
// open before Run gives up on draining them.
const processWaitDelay = 5 * time.Second

// buildCommand prepares the runtime-specific process for a registration.
// The command runs with the workspace as its working directory and the
// execution input on stdin.
func buildCommand(ctx context.Context, reg Registration, ws *workspace, cfg Config) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch reg.Runtime {
	case RuntimePython:
		cmd = exec.CommandContext(ctx, cfg.PythonBin, ws.entry)
	case RuntimeDotnet:
		cmd = exec.CommandContext(ctx, cfg.DotnetBin, ws.entry)
	case RuntimeExec:
		cmd = exec.CommandContext(ctx, ws.entry)
	default:
		return nil, fmt.Errorf("unknown runtime %q", reg.Runtime)
	}

	cmd.Dir = ws.dir
	cmd.Env = append(os.Environ(),
		"FLUXFN_FUNCTION_ID="+reg.ID,
		"FLUXFN_FUNCTION_NAME="+reg.Name,
	)
	if reg.DeclaringType != "" {
		cmd.Env = append(cmd.Env, "FLUXFN_DECLARING_TYPE="+reg.DeclaringType)
	}
	cmd.WaitDelay = processWaitDelay

	return cmd, nil
}
