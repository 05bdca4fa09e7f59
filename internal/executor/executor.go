package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const DefaultMaxOutput = 64 << 10

// Result is what a command produced. Err is set only when the command could
// not be launched or did not run to completion (timeout, cancellation,
// signal); a plain non-zero exit leaves Err nil.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) Result
}

// Shell runs commands through "<Path> -c <command>".
type Shell struct {
	Path      string
	MaxOutput int
}

func NewShell(path string) Shell {
	if path == "" {
		path = "/bin/sh"
	}
	return Shell{Path: path, MaxOutput: DefaultMaxOutput}
}

func (s Shell) Run(ctx context.Context, command string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := &capped{max: s.MaxOutput}
	stderr := &capped{max: s.MaxOutput}
	cmd := exec.CommandContext(ctx, s.Path, "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	// own process group: a terminal interrupt aimed at the worker must not
	// reach the command, while a timeout or abort takes down all of it
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}

	res.ExitCode = 1
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = fmt.Errorf("command timed out after %s", timeout)
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("command cancelled: %w", ctx.Err())
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		res.ExitCode = exitErr.ExitCode()
	case errors.As(err, &exitErr):
		res.Err = fmt.Errorf("command terminated: %v", exitErr)
	default:
		res.Err = err
	}
	return res
}

// capped keeps the first max bytes written and silently drops the rest, so
// a chatty command never blocks on a full pipe.
type capped struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - len(c.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
	}
	return len(p), nil
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
