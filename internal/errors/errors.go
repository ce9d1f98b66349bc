package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// MaxCommandOutput bounds how much subprocess output a CommandError keeps.
const MaxCommandOutput = 120 * 200

const maxKindLen = 64

var (
	// ErrCancelled is returned by any operation that observed the run's cancellation token.
	// It is the only error that crosses component boundaries unchanged.
	ErrCancelled = stderrors.New("operation cancelled")

	// ErrProcessVanished reports that a target process exited before or during profiling.
	ErrProcessVanished = stderrors.New("process went down during profiling")

	// ErrSamplerTimeout reports that a sampler overran its duration plus grace.
	ErrSamplerTimeout = stderrors.New("sampler timed out")

	// ErrTimeout is returned by bounded waits whose condition never held.
	ErrTimeout = stderrors.New("timed out waiting for condition")
)

// Is, As, New and Join forward to the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As forwards to errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New forwards to errors.New.
func New(text string) error { return stderrors.New(text) }

// Join forwards to errors.Join.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// StartFailure is returned when a sampler cannot be started. The sampler is dropped for the run.
type StartFailure struct {
	Sampler string
	Err     error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("sampler %s failed to start: %v", e.Sampler, e.Err)
}

func (e *StartFailure) Unwrap() error { return e.Err }

// CommandError describes a failed sampler subprocess.
type CommandError struct {
	Cmd      []string
	ExitCode int
	Signal   syscall.Signal
	Stdout   string
	Stderr   string
}

// NewCommandError builds a CommandError with output truncated to MaxCommandOutput.
func NewCommandError(cmd []string, exitCode int, sig syscall.Signal, stdout, stderr []byte) *CommandError {
	return &CommandError{
		Cmd:      cmd,
		ExitCode: exitCode,
		Signal:   sig,
		Stdout:   truncate(stdout),
		Stderr:   truncate(stderr),
	}
}

func (e *CommandError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("command %v killed by signal %s: stderr=%q", e.Cmd, e.Signal, e.Stderr)
	}
	return fmt.Sprintf("command %v exited with code %d: stderr=%q", e.Cmd, e.ExitCode, e.Stderr)
}

func truncate(b []byte) string {
	if len(b) > MaxCommandOutput {
		return string(b[:MaxCommandOutput]) + "..."
	}
	return string(b)
}

// IsVanished reports whether err means the target process no longer exists.
func IsVanished(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, ErrProcessVanished) ||
		stderrors.Is(err, process.ErrorProcessNotRunning) ||
		stderrors.Is(err, fs.ErrNotExist) ||
		stderrors.Is(err, syscall.ESRCH)
}

// Kind returns the short label used in synthetic error stacks.
func Kind(err error) string {
	var cmdErr *CommandError
	var startErr *StartFailure
	switch {
	case err == nil:
		return "none"
	case IsVanished(err):
		return ErrProcessVanished.Error()
	case stderrors.Is(err, ErrSamplerTimeout), stderrors.Is(err, ErrTimeout):
		return "timeout"
	case stderrors.As(err, &cmdErr):
		if cmdErr.Signal != 0 {
			return fmt.Sprintf("command killed by %s", cmdErr.Signal)
		}
		return fmt.Sprintf("command exited %d", cmdErr.ExitCode)
	case stderrors.As(err, &startErr):
		return "start failure"
	default:
		msg := unwrapAll(err).Error()
		if len(msg) > maxKindLen {
			msg = msg[:maxKindLen]
		}
		return msg
	}
}

func unwrapAll(err error) error {
	for {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
