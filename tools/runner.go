// Package tools wraps the external command-line programs the bot drives:
// scdl for fetching tracks, ffmpeg for transcoding and yt-dlp for listing
// likes.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 5 * time.Minute

// waitDelay is how long Wait keeps draining output after the tool was
// killed. Orphans still holding the pipes are abandoned after it.
const waitDelay = 2 * time.Second

// ErrTimeout is returned when a tool exceeds its wall-clock budget.
var ErrTimeout = errors.New("tool timed out")

// Runner executes a program and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExitError is a non-zero exit with the captured diagnostics.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if reason := e.Reason(); reason != "" {
		return fmt.Sprintf("%s exited with %d: %s", e.Tool, e.Code, reason)
	}
	return fmt.Sprintf("%s exited with %d", e.Tool, e.Code)
}

// Reason is the last non-empty stderr line, truncated.
func (e *ExitError) Reason() string {
	return truncate(lastLine(e.Stderr), 200)
}

// ExecRunner runs programs with os/exec, killing them and everything they
// spawned after Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	err := cmd.Run()
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s: %w after %s", name, ErrTimeout, r.Timeout)
	case context.Canceled:
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s: %w", name, context.Canceled)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), &ExitError{
			Tool:   name,
			Code:   exitErr.ExitCode(),
			Stderr: stderr.String(),
		}
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("failed to run %s: %w", name, err)
	}

	return stdout.Bytes(), stderr.Bytes(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
