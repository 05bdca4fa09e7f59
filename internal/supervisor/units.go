package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/executor"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
)

// workerUnit is an in-process worker that owns its store handle.
type workerUnit struct {
	w     *queue.Worker
	store storage.Store
}

func (u *workerUnit) Run(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() { err = multierr.Append(err, u.store.Close()) }()
	return u.w.Run(ctx, stop)
}

// WorkerUnits builds goroutine units. Every unit gets its own lazily opened
// store so a failed connection is retried on the unit's next poll.
func WorkerUnits(cfg config.Config, runner executor.Runner, log *zap.Logger) UnitFactory {
	return func(id int) (Unit, error) {
		store := storage.NewLazy(storage.OpenerFor(cfg))
		w, err := queue.NewWorker(id, store, runner, cfg.Worker, log)
		if err != nil {
			return nil, err
		}
		return &workerUnit{w: w, store: store}, nil
	}
}

// ProcessUnit runs a worker as a child process in its own process group.
// Stop sends it SIGINT; cancellation kills it.
type ProcessUnit struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (u *ProcessUnit) Run(ctx context.Context, stop <-chan struct{}) error {
	cmd := exec.Command(u.Path, u.Args...)
	cmd.Env = append(os.Environ(), u.Env...)
	cmd.Stdout = u.Stdout
	cmd.Stderr = u.Stderr
	// only the pool decides when a worker process is interrupted
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	kill := func() error {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waited
		return ctx.Err()
	}

	select {
	case err := <-waited:
		if err != nil {
			return fmt.Errorf("worker process %d: %w", cmd.Process.Pid, err)
		}
		return errors.New("worker process exited")
	case <-ctx.Done():
		return kill()
	case <-stop:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return kill()
	}
	select {
	case err := <-waited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !exitErr.Exited() {
			// killed by the interrupt itself
			return nil
		}
		return err
	case <-ctx.Done():
		return kill()
	}
}

// ProcessUnits re-executes the current binary as "worker run --id N" with
// extra passed through, so the children share this process's flags.
func ProcessUnits(extra []string, out, errOut io.Writer) (UnitFactory, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return func(id int) (Unit, error) {
		args := append([]string{"worker", "run", "--id", strconv.Itoa(id)}, extra...)
		return &ProcessUnit{Path: self, Args: args, Stdout: out, Stderr: errOut}, nil
	}, nil
}
