// Package tool executes external bioinformatics commands. The runner treats
// every tool as opaque: given inputs and params it either produces its
// declared outputs or fails.
package tool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxCapturedBytes caps the amount of output kept per stream from a
	// tool run.
	maxCapturedBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 10 * time.Second
)

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// RunError reports a failed tool invocation with its exit code and captured
// stderr tail.
type RunError struct {
	Command    string
	Code       int
	StderrT    string
	Underlying error
}

func (e *RunError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s failed: %v", e.Command, e.Underlying)
}

func (e *RunError) Unwrap() error { return e.Underlying }

// ExitCode returns the tool's exit code (0 when the process never ran).
func (e *RunError) ExitCode() int { return e.Code }

// Stderr returns the captured stderr tail.
func (e *RunError) Stderr() string { return e.StderrT }

// Available reports whether an executable can be found on PATH.
func Available(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("tool %q not found on PATH: %w", name, err)
	}
	return nil
}

// Run executes a command to completion. On timeout the process receives
// SIGTERM, then SIGKILL after a grace period. A non-zero exit is returned as
// a *RunError carrying the exit code and stderr tail.
func Run(ctx context.Context, c Command, logger *slog.Logger) error {
	if c.Name == "" {
		return fmt.Errorf("command name is empty")
	}
	if err := Available(c.Name); err != nil {
		return &RunError{Command: c.Name, Underlying: err}
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning tool", "command", c.Name, "args", strings.Join(c.Args, " "), "timeout", c.Timeout)

	if err := cmd.Start(); err != nil {
		return &RunError{Command: c.Name, Underlying: fmt.Errorf("start process: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		terminate(cmd, waitErr, logger)
		return &RunError{Command: c.Name, StderrT: truncateOutput(stderr.String()), Underlying: ctx.Err()}

	case <-timeoutCh:
		logger.Warn("tool timed out, sending SIGTERM", "command", c.Name, "timeout", c.Timeout)
		terminate(cmd, waitErr, logger)
		return &RunError{Command: c.Name, StderrT: truncateOutput(stderr.String()), Underlying: context.DeadlineExceeded}

	case err := <-waitErr:
		// Tools narrate on stdout (qiime prints where it saved results);
		// keep that visible at debug level.
		if stdout.Len() > 0 {
			logger.Debug("tool stdout", "command", c.Name, "output", truncateOutput(stdout.String()))
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				logger.Warn("tool exited with non-zero status", "command", c.Name, "exit_code", exitErr.ExitCode())
				return &RunError{
					Command:    c.Name,
					Code:       exitErr.ExitCode(),
					StderrT:    truncateOutput(stderr.String()),
					Underlying: err,
				}
			}
			return &RunError{Command: c.Name, StderrT: truncateOutput(stderr.String()), Underlying: fmt.Errorf("wait for process: %w", err)}
		}
		return nil
	}
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("tool exited after SIGTERM")
	case <-grace.C:
		logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// truncateOutput truncates a captured stream to maxCapturedBytes.
func truncateOutput(s string) string {
	if len(s) > maxCapturedBytes {
		return s[:maxCapturedBytes]
	}
	return s
}
