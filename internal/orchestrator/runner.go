package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// DefaultGracePeriod is how long a terminated process gets before it is killed.
const DefaultGracePeriod = 10 * time.Second

// Cmd describes one process invocation.
type Cmd struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// GracePeriod bounds the time between SIGTERM and SIGKILL on cancel.
	GracePeriod time.Duration
}

// Runner abstracts process execution for testing.
type Runner interface {
	// Run executes cmd and returns its exit code. A non-zero exit is not an
	// error; err is set only when the process could not be run or was
	// killed because ctx ended.
	Run(ctx context.Context, cmd Cmd) (exitCode int, err error)
}

// osRunner is the real implementation using os/exec.
type osRunner struct{}

func (osRunner) Run(ctx context.Context, cmd Cmd) (int, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	grace := cmd.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	setProcessGroup(c)
	var canceledAt atomic.Int64
	c.Cancel = func() error {
		canceledAt.Store(time.Now().UnixNano())
		return terminate(c)
	}
	c.WaitDelay = grace

	runErr := c.Run()
	if ctx.Err() != nil {
		if at := canceledAt.Load(); at != 0 {
			reapGroup(c, time.Unix(0, at).Add(grace))
		}
		return exitCode(c), ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return 0, nil
	case errors.As(runErr, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, runErr
	}
}

// reapGroup waits until the rest of the process group of a canceled
// command is gone or deadline passes, then kills whatever is left.
func reapGroup(c *exec.Cmd, deadline time.Time) {
	for groupAlive(c) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if groupAlive(c) {
		killGroup(c)
	}
}

func exitCode(c *exec.Cmd) int {
	if c.ProcessState == nil {
		return -1
	}
	return c.ProcessState.ExitCode()
}

// output runs a short command and captures its output.
func output(ctx context.Context, r Runner, name string, args ...string) (stdout, stderr string, code int, err error) {
	var outBuf, errBuf bytes.Buffer
	code, err = r.Run(ctx, Cmd{Name: name, Args: args, Stdout: &outBuf, Stderr: &errBuf})
	return outBuf.String(), errBuf.String(), code, err
}
