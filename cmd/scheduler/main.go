package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
)

// scheduler runs only the stale job reaper, for deployments where workers
// are started without one.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("QUEUECTL_CONFIG"))
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// reconnects on the next tick if the store is down
	store := storage.NewLazy(storage.OpenerFor(cfg))
	defer store.Close()

	r := queue.NewReaper(store, queue.PolicyFrom(cfg.Worker), cfg.Worker.StaleAfter, log)
	log.Info("reaper started",
		zap.Duration("interval", cfg.Worker.ReapInterval),
		zap.Duration("stale_after", cfg.Worker.StaleAfter))
	return r.Run(ctx, cfg.Worker.ReapInterval)
}
