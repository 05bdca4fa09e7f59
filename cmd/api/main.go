package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/api"
	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	h := api.NewHandler(queue.NewService(store, log), log)
	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      api.NewRouter(h),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("store", cfg.Store))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("api stopped")
	return nil
}
