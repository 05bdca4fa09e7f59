package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/executor"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
)

func TestMain(m *testing.M) {
	defer goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

type unitFunc func(ctx context.Context, stop <-chan struct{}) error

func (f unitFunc) Run(ctx context.Context, stop <-chan struct{}) error { return f(ctx, stop) }

func runPool(t *testing.T, p *Pool) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- p.Run(ctx) }()
	return cancel, ch
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not return")
		return nil
	}
}

func TestPoolStartsEveryUnitAndStopsGracefully(t *testing.T) {
	var running atomic.Int32
	factory := func(int) (Unit, error) {
		return unitFunc(func(ctx context.Context, stop <-chan struct{}) error {
			running.Add(1)
			defer running.Add(-1)
			<-stop
			return nil
		}), nil
	}
	p := New(Options{Count: 3, Grace: time.Second}, factory, zaptest.NewLogger(t))
	cancel, done := runPool(t, p)

	deadline := time.Now().Add(5 * time.Second)
	for running.Load() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("running units = %d, want 3", running.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := running.Load(); n != 0 {
		t.Fatalf("%d units still running", n)
	}
}

func TestPoolForcesShutdownAfterGrace(t *testing.T) {
	var aborted atomic.Bool
	factory := func(int) (Unit, error) {
		return unitFunc(func(ctx context.Context, stop <-chan struct{}) error {
			<-ctx.Done()
			aborted.Store(true)
			return ctx.Err()
		}), nil
	}
	p := New(Options{Count: 1, Grace: 20 * time.Millisecond}, factory, zaptest.NewLogger(t))
	cancel, done := runPool(t, p)

	time.Sleep(10 * time.Millisecond)
	cancel()
	err := waitErr(t, done)
	if !errors.Is(err, ErrForcedShutdown) {
		t.Fatalf("Run err = %v, want ErrForcedShutdown", err)
	}
	if !aborted.Load() {
		t.Fatal("unit was not cancelled")
	}
}

func TestPoolRestartsFailedUnit(t *testing.T) {
	var starts atomic.Int32
	factory := func(int) (Unit, error) {
		return unitFunc(func(ctx context.Context, stop <-chan struct{}) error {
			if starts.Add(1) < 3 {
				return errors.New("boom")
			}
			<-stop
			return nil
		}), nil
	}
	p := New(Options{Count: 1, Grace: time.Second, RestartDelay: 5 * time.Millisecond}, factory, zaptest.NewLogger(t))
	cancel, done := runPool(t, p)

	deadline := time.Now().Add(5 * time.Second)
	for starts.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("unit started %d times, want 3", starts.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPoolReportsUnitErrorDuringStop(t *testing.T) {
	factory := func(int) (Unit, error) {
		return unitFunc(func(ctx context.Context, stop <-chan struct{}) error {
			<-stop
			return errors.New("flush failed")
		}), nil
	}
	p := New(Options{Count: 2, Grace: time.Second}, factory, zaptest.NewLogger(t))
	cancel, done := runPool(t, p)
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := waitErr(t, done)
	if err == nil || errors.Is(err, ErrForcedShutdown) {
		t.Fatalf("Run err = %v, want unit errors", err)
	}
}

func TestPoolWithWorkerUnits(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SQLitePath = filepath.Join(dir, "queue.db")
	cfg.Worker.PollInterval = 10 * time.Millisecond

	ctx := context.Background()
	s, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if err := storage.MigrateStore(s, "../../db/migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	svc := queue.NewService(s, nil)
	const jobs = 12
	for range jobs {
		if _, err := svc.Enqueue(ctx, queue.EnqueueRequest{Command: "ok"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var ran atomic.Int32
	runner := runnerFunc(func(context.Context, string, time.Duration) executor.Result {
		ran.Add(1)
		return executor.Result{}
	})
	p := New(Options{Count: 3, Grace: time.Second}, WorkerUnits(cfg, runner, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	cancel, done := runPool(t, p)

	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := svc.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status[domain.Completed] == jobs {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := ran.Load(); n != jobs {
		t.Fatalf("runner called %d times, want %d", n, jobs)
	}
}

type runnerFunc func(ctx context.Context, command string, timeout time.Duration) executor.Result

func (f runnerFunc) Run(ctx context.Context, command string, timeout time.Duration) executor.Result {
	return f(ctx, command, timeout)
}

func TestProcessUnitStopsOnInterrupt(t *testing.T) {
	u := &ProcessUnit{Path: "/bin/sh", Args: []string{"-c", "trap 'exit 0' INT; while :; do sleep 0.05; done"}}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), stop) }()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestProcessUnitKilledOnCancel(t *testing.T) {
	u := &ProcessUnit{Path: "/bin/sh", Args: []string{"-c", "trap '' INT; while :; do sleep 0.05; done"}}
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, stop) }()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	select {
	case err := <-done:
		t.Fatalf("process ignoring SIGINT returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	if err := waitErr(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}

func TestProcessUnitReportsUnexpectedExit(t *testing.T) {
	u := &ProcessUnit{Path: "/bin/sh", Args: []string{"-c", "exit 3"}}
	if err := u.Run(context.Background(), make(chan struct{})); err == nil {
		t.Fatal("expected error for a worker process that exited on its own")
	}
}
