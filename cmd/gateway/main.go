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

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/app"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sqs"
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

	logger, err := observ.NewLogger("herald-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.Int("workers", cfg.Worker.Count),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenStore(ctx, cfg, "herald-gateway", logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// Redis backs idempotency, the API rate limit and the shared channel limiter.
	redisClient := app.ConnectRedis(ctx, cfg, logger)
	var idempotency *redis.IdempotencyService
	var apiLimiter *redis.RateLimiter
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}

	protected, err := app.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(backend.Store, logger)

	// With a queue configured, the API enqueues and the listener dispatches.
	var queue api.EventQueue
	if cfg.SQSQueueURL != "" {
		q, err := sqs.Open(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open event queue: %w", err)
		}
		queue = q
		go dispatch.NewListener(q, dispatcher, logger).Run(ctx)
	}

	workers, err := app.StartWorkers(ctx, cfg, backend.Store, protected, app.NewLimiter(cfg, redisClient, logger), logger)
	if err != nil {
		return err
	}
	go app.ReportGauges(ctx, backend, redisClient, 15*time.Second)

	handler := api.NewHandler(logger, backend.Store, dispatcher, protected, api.Options{
		Idempotency: idempotency,
		Queue:       queue,
		Health:      backend.Health,
		Breakers:    protected.Stats,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, apiLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			workers.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	workers.Wait()
	logger.Info("server stopped gracefully")
	return nil
}
