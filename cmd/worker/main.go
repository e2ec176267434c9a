// Command worker runs delivery workers and the lease reaper without the HTTP API.
// Any number of worker processes may share one Postgres store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/app"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.StoreDriver == config.StoreMemory {
		return fmt.Errorf("worker needs a shared store, STORE_DRIVER=%s", cfg.StoreDriver)
	}
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 1
	}

	logger, err := observ.NewLogger("herald-worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenStore(ctx, cfg, "herald-worker", logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	redisClient := app.ConnectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	protected, err := app.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	workers, err := app.StartWorkers(ctx, cfg, backend.Store, protected, app.NewLimiter(cfg, redisClient, logger), logger)
	if err != nil {
		return err
	}
	go app.ReportGauges(ctx, backend, redisClient, 15*time.Second)

	// Workers expose only metrics.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	workers.Wait()
	logger.Info("workers stopped")
	return nil
}
