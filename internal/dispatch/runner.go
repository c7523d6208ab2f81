package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duzhobots/facequeue/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a process.
	maxStderrBytes = 64 * 1024

	// DefaultMaxOutputBytes caps stdout when a command does not set its own cap.
	DefaultMaxOutputBytes = 64 * 1024 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Command describes how to launch the external program for one job.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
	// Timeout bounds a single job. Zero means no limit.
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Runner runs one process per call. It lets tests stub the external program.
type Runner interface {
	Run(ctx context.Context, cmd Command, stdin []byte, logger *slog.Logger) (*protocol.Output, error)
}

// ExecRunner spawns cmd in its own process group, feeds stdin while draining
// stdout and stderr, and reaps the process. On timeout or ctx cancellation the
// group gets SIGTERM, then SIGKILL after the grace period.
type ExecRunner struct {
	GracePeriod time.Duration
}

type waitResult struct {
	ioErr   error
	waitErr error
}

func (r ExecRunner) Run(ctx context.Context, c Command, stdin []byte, logger *slog.Logger) (*protocol.Output, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	maxOut := c.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}
	stdout := &cappedBuffer{max: maxOut}
	stderr := &cappedBuffer{max: maxStderrBytes}

	logger.Debug("spawning process", "path", c.Path, "args", c.Args, "timeout", c.Timeout, "stdin_bytes", len(stdin))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	pid := cmd.Process.Pid
	logger.Info("process started", "pid", pid)

	// Input and output are pumped concurrently: a program that writes a large
	// result before it has read all of its input must not deadlock.
	var g errgroup.Group
	g.Go(func() error {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(stdin); err != nil && !isBrokenPipe(err) {
			return fmt.Errorf("write stdin: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(stdout, stdoutPipe); err != nil {
			return fmt.Errorf("read stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(stderr, stderrPipe); err != nil {
			return fmt.Errorf("read stderr: %w", err)
		}
		return nil
	})

	done := make(chan waitResult, 1)
	go func() {
		ioErr := g.Wait()
		done <- waitResult{ioErr: ioErr, waitErr: cmd.Wait()}
	}()

	var timeoutC <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var (
		res   waitResult
		cause error
	)
	select {
	case res = <-done:
	case <-timeoutC:
		logger.Warn("process timed out, sending SIGTERM", "pid", pid, "timeout", c.Timeout)
		res = r.terminate(pid, done, logger)
		cause = fmt.Errorf("%w after %v", ErrJobTimeout, c.Timeout)
	case <-ctx.Done():
		logger.Warn("context cancelled, sending SIGTERM", "pid", pid)
		res = r.terminate(pid, done, logger)
		cause = ctx.Err()
	}

	out := &protocol.Output{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		ExitCode:        cmd.ProcessState.ExitCode(),
		PID:             pid,
		Duration:        time.Since(start),
		StdoutTruncated: stdout.truncated,
	}

	logger.Info("process exited",
		"pid", pid,
		"exit_code", out.ExitCode,
		"duration_ms", out.Duration.Milliseconds(),
		"stdout_bytes", len(out.Stdout),
		"stderr_bytes", len(out.Stderr),
	)
	if stderr.truncated {
		logger.Warn("stderr truncated", "pid", pid, "cap_bytes", maxStderrBytes)
	}

	if cause != nil {
		return out, cause
	}
	if res.ioErr != nil {
		return out, res.ioErr
	}
	if res.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(res.waitErr, &exitErr) {
			return out, fmt.Errorf("wait for process: %w", res.waitErr)
		}
		logger.Warn("process exited with non-zero status", "pid", pid, "exit_code", exitErr.ExitCode())
	}
	return out, nil
}

// terminate signals the whole process group and waits for the pipes to drain.
func (r ExecRunner) terminate(pid int, done <-chan waitResult, logger *slog.Logger) waitResult {
	grace := r.GracePeriod
	if grace <= 0 {
		grace = terminationGracePeriod
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "pid", pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case res := <-done:
		logger.Info("process exited after SIGTERM", "pid", pid)
		return res
	case <-timer.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "pid", pid, "error", err)
		}
		return <-done
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}

// cappedBuffer keeps the first max bytes written to it and silently discards
// the rest, so the writer side of a pipe is always drained.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case int64(len(p)) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
