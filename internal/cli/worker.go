package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/executor"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
	"github.com/SirClappington/queuectl/internal/supervisor"
)

// workerFlags are the per-run overrides shared by "worker start" and
// "worker run".
type workerFlags struct {
	poll        time.Duration
	backoffBase float64
	backoffCap  time.Duration
	maxRetries  int
}

var workerFlagNames = []string{"poll", "backoff-base", "backoff-cap", "max-retries"}

func (f *workerFlags) register(fs *pflag.FlagSet) {
	d := config.DefaultWorker()
	fs.DurationVar(&f.poll, "poll", d.PollInterval, "idle poll interval")
	fs.Float64Var(&f.backoffBase, "backoff-base", d.BackoffBase, "retry delay is base^attempts seconds")
	fs.DurationVar(&f.backoffCap, "backoff-cap", d.BackoffCap, "upper bound on the retry delay")
	fs.IntVar(&f.maxRetries, "max-retries", d.MaxRetries, "default retry budget for jobs without their own")
}

// apply overlays only the flags given on the command line.
func (f *workerFlags) apply(fs *pflag.FlagSet, w *config.Worker) error {
	if fs.Changed("poll") {
		w.PollInterval = f.poll
	}
	if fs.Changed("backoff-base") {
		w.BackoffBase = f.backoffBase
	}
	if fs.Changed("backoff-cap") {
		w.BackoffCap = f.backoffCap
	}
	if fs.Changed("max-retries") {
		w.MaxRetries = f.maxRetries
	}
	return w.Validate()
}

func workerCmd(a *app) *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Run and stop workers",
	}
	worker.AddCommand(workerStartCmd(a), workerRunCmd(a), workerStopCmd(a))
	return worker
}

func workerStartCmd(a *app) *cobra.Command {
	var (
		flags   workerFlags
		count   int
		isolate bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pool of workers in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg := a.cfg
			if cmd.Flags().Changed("count") {
				cfg.Worker.Count = count
			}
			if err := flags.apply(cmd.Flags(), &cfg.Worker); err != nil {
				return err
			}

			factory := supervisor.WorkerUnits(cfg, executor.NewShell(cfg.Worker.Shell), a.log)
			if isolate {
				if factory, err = supervisor.ProcessUnits(childArgs(cmd, a.cfgPath), os.Stdout, os.Stderr); err != nil {
					return err
				}
			}

			reapStore := storage.NewLazy(storage.OpenerFor(cfg))
			defer func() { err = multierr.Append(err, reapStore.Close()) }()
			reaper := queue.NewReaper(reapStore, queue.PolicyFrom(cfg.Worker), cfg.Worker.StaleAfter, a.log)

			if err := writePIDFile(cfg.PIDFile, pidInfo{
				PID:       os.Getpid(),
				Count:     cfg.Worker.Count,
				StartedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			defer removePIDFile(cfg.PIDFile)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.log.Info("starting workers",
				zap.Int("count", cfg.Worker.Count),
				zap.Bool("isolated", isolate),
				zap.String("store", cfg.Store))
			pool := supervisor.New(supervisor.Options{
				Count:        cfg.Worker.Count,
				Grace:        cfg.Worker.ShutdownGrace,
				Reaper:       reaper,
				ReapInterval: cfg.Worker.ReapInterval,
			}, factory, a.log)
			if err := pool.Run(ctx); err != nil {
				if errors.Is(err, supervisor.ErrForcedShutdown) {
					a.log.Warn("workers were cancelled mid-job; their jobs will be recovered by the reaper")
				}
				return err
			}
			a.log.Info("all workers stopped")
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVar(&count, "count", 1, "number of workers")
	cmd.Flags().BoolVar(&isolate, "isolate", false, "run each worker in its own process")
	return cmd
}

// childArgs forwards the config file and any worker overrides to isolated
// worker processes.
func childArgs(cmd *cobra.Command, cfgPath string) []string {
	var args []string
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	for _, name := range workerFlagNames {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			args = append(args, "--"+name+"="+f.Value.String())
		}
	}
	return args
}

func workerRunCmd(a *app) *cobra.Command {
	var (
		flags workerFlags
		id    int
	)
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run a single worker in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg := a.cfg
			if err := flags.apply(cmd.Flags(), &cfg.Worker); err != nil {
				return err
			}

			store := storage.NewLazy(storage.OpenerFor(cfg))
			defer func() { err = multierr.Append(err, store.Close()) }()
			w, err := queue.NewWorker(id, store, executor.NewShell(cfg.Worker.Shell), cfg.Worker, a.log)
			if err != nil {
				return err
			}

			// first signal stops after the current job, a second one aborts it
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stop := make(chan struct{})
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				select {
				case <-sigs:
					close(stop)
				case <-ctx.Done():
					return
				}
				select {
				case <-sigs:
					cancel()
				case <-ctx.Done():
				}
			}()

			return w.Run(ctx, stop)
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVar(&id, "id", 1, "worker id used in logs")
	return cmd
}

func workerStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running worker pool to stop after its current jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := readPIDFile(a.cfg.PIDFile)
			if errors.Is(err, os.ErrNotExist) {
				return errors.New("no running workers (pid file not found)")
			}
			if err != nil {
				return err
			}
			if !info.alive() {
				_ = os.Remove(a.cfg.PIDFile)
				return fmt.Errorf("no running workers (process %d is gone)", info.PID)
			}
			if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal worker pool %d: %w", info.PID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent stop signal to worker pool %d\n", info.PID)
			return nil
		},
	}
}
