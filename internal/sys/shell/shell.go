// Package shell runs sampler subprocesses to completion and reports how they ended.
//
// A command is bounded by its context: when the context is done the process gets SIGTERM,
// then SIGKILL if it has not exited after the configured kill delay.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/coral-mesh/hostprof/internal/errors"
)

// DefaultKillDelay is how long a terminated command may take to exit before it is killed.
const DefaultKillDelay = 5 * time.Second

// Config configures Run.
type Config struct {
	// Env is appended to the agent's environment.
	Env map[string]string
	// Dir is the working directory. Empty means the agent's.
	Dir string
	// KillDelay overrides DefaultKillDelay.
	KillDelay time.Duration
	// Stdin is fed to the command when set.
	Stdin []byte
}

// Result is a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Signal   syscall.Signal
	Duration time.Duration
}

// Run executes args and waits for it. A command that exits non-zero or is killed by a signal
// yields an *errors.CommandError alongside the Result. If ctx was done, the error wraps
// ctx.Err() instead.
func Run(ctx context.Context, args []string, cfg Config) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	killDelay := cfg.KillDelay
	if killDelay == 0 {
		killDelay = DefaultKillDelay
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // sampler commands come from configuration
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	if cfg.Stdin != nil {
		cmd.Stdin = bytes.NewReader(cfg.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal()
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("running %s: %w", args[0], ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, errors.NewCommandError(args, res.ExitCode, res.Signal, res.Stdout, res.Stderr)
		}
		return res, fmt.Errorf("running %s: %w", args[0], err)
	}
	return res, nil
}

// LookPath resolves a sampler binary. An absolute or relative path is checked as is; a bare
// name is searched in PATH.
func LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("sampler binary %q: %w", name, err)
	}
	return path, nil
}
