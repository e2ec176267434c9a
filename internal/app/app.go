// Package app assembles stores, senders and workers from configuration. It is
// shared by the gateway and worker binaries.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/db/memstore"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sender"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/worker"
)

// Store is everything the API, workers and reaper need from persistence.
// *db.Repository and *memstore.Store both satisfy it.
type Store interface {
	api.Store
	worker.Repository
	worker.ReaperStore
}

// Backend is an opened store plus its lifecycle hooks.
type Backend struct {
	Store  Store
	Health func(ctx context.Context) error
	Close  func()

	conns func() int
}

// OpenStore connects to the configured job store.
func OpenStore(ctx context.Context, cfg *config.Config, appName string, logger *zap.Logger) (*Backend, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store, jobs do not survive restarts")
		return &Backend{
			Store:  memstore.New(),
			Health: func(context.Context) error { return nil },
			Close:  func() {},
		}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		AppName:  appName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Backend{
		Store:  db.NewRepository(database, logger),
		Health: database.Health,
		Close:  database.Close,
		conns:  database.Stat,
	}, nil
}

// ConnectRedis returns nil when Redis is unreachable; callers degrade to
// process-local behaviour.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and shared rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return nil
	}
	return client
}

// NewSender builds the channel senders behind a per-channel circuit breaker.
func NewSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*circuitbreaker.ProtectedSender, error) {
	var s sender.Sender
	if cfg.DryRun {
		logger.Warn("dry run enabled, notifications are logged and not delivered")
		s = sender.NewLogSender(logger)
	} else {
		multi, err := newMultiSender(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s = multi
	}
	return circuitbreaker.NewProtectedSender(s, circuitbreaker.DefaultConfig(""), logger), nil
}

func newMultiSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sender.MultiSender, error) {
	timeout := time.Duration(cfg.WebhookTimeout) * time.Second

	// SNS is optional: without it, paging channels with a topic_arn fail permanently.
	var publisher sender.TopicPublisher
	if p, err := sns.NewPublisher(ctx, cfg.SNSRegion, cfg.SNSEndpoint); err != nil {
		logger.Warn("sns publisher unavailable, topic paging disabled", zap.Error(err))
	} else {
		publisher = p
	}

	var transport sender.MailTransport
	from := cfg.SMTP.From
	switch cfg.EmailTransport {
	case config.EmailSES:
		t, err := sender.NewSESTransport(ctx, sender.SESConfig{Region: cfg.AWSRegion})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		transport = t
		from = cfg.SESFromEmail
	default:
		transport = sender.NewSMTPTransport(sender.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
	}

	logger.Info("initialized multi-channel notification system",
		zap.String("email_transport", cfg.EmailTransport),
		zap.Bool("sns_paging", publisher != nil),
	)

	return sender.NewMultiSender(logger,
		sender.NewWebhookSender(logger, sender.WebhookConfig{DefaultTimeout: timeout}),
		sender.NewPagingSender(logger, publisher, timeout),
		sender.NewEmailSender(logger, transport, from),
		sender.NewSNMPSender(logger),
		sender.NewMQTTSender(logger, cfg.MQTT.ConnectTimeout),
	), nil
}

// NewLimiter picks the per-channel send limiter: shared through Redis when a
// client is available, process-local otherwise, or none when disabled.
func NewLimiter(cfg *config.Config, client *redis.Client, logger *zap.Logger) worker.Limiter {
	w := cfg.Worker
	if w.ChannelRateLimit <= 0 {
		return worker.NoLimit{}
	}
	if client != nil {
		return redis.NewChannelLimiter(client, logger, redis.RateLimitConfig{
			Limit:  w.ChannelRateLimit,
			Window: w.ChannelRateWindow,
		})
	}
	logger.Warn("channel rate limit is per process without redis")
	return worker.NewLocalLimiter(w.ChannelRateLimit, w.ChannelRateWindow)
}

// StartWorkers runs cfg.Worker.Count workers and the lease reaper until ctx is
// cancelled. Wait on the returned group for them to stop.
func StartWorkers(ctx context.Context, cfg *config.Config, store Store, s sender.Sender, limiter worker.Limiter, logger *zap.Logger) (*sync.WaitGroup, error) {
	w := cfg.Worker
	if err := worker.ValidateSchedule(w.ReaperSchedule); err != nil {
		return nil, err
	}
	reaper := worker.NewReaper(store, worker.ReaperConfig{
		Schedule:     w.ReaperSchedule,
		LeaseTimeout: w.LeaseTimeout,
		MaxAttempts:  w.MaxAttempts,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reaper.Start(ctx); err != nil {
			logger.Error("reaper stopped", zap.Error(err))
		}
	}()

	for i := 0; i < w.Count; i++ {
		wk := worker.New(store, s, limiter, worker.Config{
			PollInterval: w.PollInterval,
			BatchSize:    w.BatchSize,
			MaxAttempts:  w.MaxAttempts,
			SendTimeout:  w.SendTimeout,
			Backoff:      worker.Backoff{Base: w.BackoffBase, Max: w.BackoffMax},
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			wk.Start(ctx)
		}()
	}

	logger.Info("delivery workers started",
		zap.Int("workers", w.Count),
		zap.String("reaper_schedule", w.ReaperSchedule),
	)
	return &wg, nil
}

// ReportGauges refreshes the connection gauges every interval until ctx is done.
func ReportGauges(ctx context.Context, backend *Backend, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if backend.conns != nil {
			metrics.SetDBConnections(backend.conns())
		}
		if client != nil {
			metrics.SetRedisConnections(client.TotalConns())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
