package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/sender"
)

// ErrChannelUnavailable is recorded on jobs whose channel was deleted or disabled.
var ErrChannelUnavailable = errors.New("channel unavailable")

// transitionTimeout bounds a job state change once the poll context is gone.
const transitionTimeout = 10 * time.Second

// Repository is the job and channel persistence a worker needs.
type Repository interface {
	ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]*db.NotificationJob, error)
	GetChannel(ctx context.Context, tenantID, id uuid.UUID) (*db.Channel, error)
	CompleteJob(ctx context.Context, job *db.NotificationJob, workerID string) error
	FailJob(ctx context.Context, job *db.NotificationJob, workerID string, attempts int, lastError string) error
	RetryJob(ctx context.Context, job *db.NotificationJob, workerID string, attempts int, lastError string, nextRunAt time.Time) error
	DeferJob(ctx context.Context, job *db.NotificationJob, workerID string, nextRunAt time.Time) error
}

// Config tunes polling and retries. Zero fields take defaults.
type Config struct {
	ID           string
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	SendTimeout  time.Duration
	Backoff      Backoff
}

// Worker claims due jobs and drives each through the delivery state machine.
type Worker struct {
	id      string
	repo    Repository
	sender  sender.Sender
	limiter Limiter
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a worker that delivers claimed jobs through s.
func New(repo Repository, s sender.Sender, limiter Limiter, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = DefaultBackoffBase
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	if limiter == nil {
		limiter = NoLimit{}
	}

	return &Worker{
		id:      cfg.ID,
		repo:    repo,
		sender:  s,
		limiter: limiter,
		config:  cfg,
		logger:  logger.With(zap.String("worker_id", cfg.ID)),
		now:     time.Now,
	}
}

// ID returns the lease owner name this worker claims jobs under.
func (w *Worker) ID() string { return w.id }

// Start polls for due jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch claims up to BatchSize jobs and processes them one by one.
// It returns the number of jobs claimed. On shutdown the jobs not yet started
// are handed back as due so another worker picks them up.
func (w *Worker) processBatch(ctx context.Context) int {
	jobs, err := w.repo.ClaimDueJobs(ctx, w.id, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim jobs", zap.Error(err))
		return 0
	}
	for i, job := range jobs {
		if ctx.Err() != nil {
			w.release(ctx, jobs[i:])
			break
		}
		w.processJob(ctx, job)
	}
	return len(jobs)
}

func (w *Worker) release(ctx context.Context, jobs []*db.NotificationJob) {
	tctx, cancel := transitionContext(ctx)
	defer cancel()
	now := w.now()
	for _, job := range jobs {
		if err := w.repo.DeferJob(tctx, job, w.id, now); err != nil {
			w.transitionError(w.logger.With(zap.Int64("job_id", job.ID)), "release", err)
		}
	}
	w.logger.Info("released unprocessed jobs", zap.Int("count", len(jobs)))
}

// transitionContext keeps job state changes alive past a cancelled poll context,
// so a finished send is always recorded.
func transitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
}

func (w *Worker) processJob(ctx context.Context, job *db.NotificationJob) {
	log := w.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("channel_id", job.ChannelID.String()),
		zap.String("alert_id", job.AlertID),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job; lease will be reaped", zap.Any("panic", r))
		}
	}()

	ch, err := w.repo.GetChannel(ctx, job.TenantID, job.ChannelID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		w.fail(ctx, log, job, job.Attempts, ErrChannelUnavailable, string(job.Payload.ChannelType))
		return
	case err != nil:
		log.Error("failed to load channel", zap.Error(err))
		w.deferJob(ctx, log, job, w.now().Add(w.config.Backoff.Base), string(job.Payload.ChannelType))
		return
	case !ch.IsEnabled:
		w.fail(ctx, log, job, job.Attempts, ErrChannelUnavailable, string(ch.Type))
		return
	}
	chType := string(ch.Type)

	cfg, err := channel.Decode(ch.Type, ch.Config)
	if err != nil {
		w.fail(ctx, log, job, job.Attempts, fmt.Errorf("decode channel config: %w", err), chType)
		return
	}

	ok, resetAt, err := w.limiter.Allow(ctx, ch.ID)
	if err != nil {
		log.Warn("rate limiter unavailable, sending anyway", zap.Error(err))
	} else if !ok {
		metrics.RecordRateLimitRejection("channel")
		w.deferJob(ctx, log, job, resetAt, chType)
		return
	}

	msg := &sender.Message{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		ChannelID: job.ChannelID,
		Config:    cfg,
		Payload:   job.Payload,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()
	start := time.Now()
	err = w.sender.Send(sendCtx, msg)
	metrics.RecordSendDuration(chType, time.Since(start))

	attempts := job.Attempts + 1
	switch {
	case err == nil:
		tctx, cancel := transitionContext(ctx)
		defer cancel()
		if err := w.repo.CompleteJob(tctx, job, w.id); err != nil {
			w.transitionError(log, "complete", err)
			return
		}
		metrics.RecordJobProcessed("completed", chType)
		log.Info("notification delivered", zap.Int("attempts", attempts))

	case ctx.Err() != nil:
		// Interrupted by shutdown, not a delivery failure.
		w.deferJob(ctx, log, job, w.now(), chType)

	case sender.IsPermanent(err):
		w.fail(ctx, log, job, attempts, err, chType)

	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		w.deferJob(ctx, log, job, w.now().Add(w.config.Backoff.Base), chType)

	case attempts >= w.config.MaxAttempts:
		w.fail(ctx, log, job, attempts, err, chType)

	default:
		next := w.now().Add(w.config.Backoff.Delay(job.Attempts))
		tctx, cancel := transitionContext(ctx)
		defer cancel()
		if err := w.repo.RetryJob(tctx, job, w.id, attempts, db.Truncate(err.Error()), next); err != nil {
			w.transitionError(log, "retry", err)
			return
		}
		metrics.RecordJobProcessed("retried", chType)
		log.Warn("delivery failed, will retry",
			zap.Error(err),
			zap.Int("attempts", attempts),
			zap.Time("next_run_at", next),
		)
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, job *db.NotificationJob, attempts int, cause error, chType string) {
	tctx, cancel := transitionContext(ctx)
	defer cancel()
	if err := w.repo.FailJob(tctx, job, w.id, attempts, db.Truncate(cause.Error())); err != nil {
		w.transitionError(log, "fail", err)
		return
	}
	metrics.RecordJobProcessed("failed", chType)
	log.Error("notification failed",
		zap.Error(cause),
		zap.Int("attempts", attempts),
	)
}

func (w *Worker) deferJob(ctx context.Context, log *zap.Logger, job *db.NotificationJob, until time.Time, chType string) {
	tctx, cancel := transitionContext(ctx)
	defer cancel()
	if err := w.repo.DeferJob(tctx, job, w.id, until); err != nil {
		w.transitionError(log, "defer", err)
		return
	}
	metrics.RecordJobProcessed("deferred", chType)
	log.Info("delivery deferred", zap.Time("next_run_at", until))
}

func (w *Worker) transitionError(log *zap.Logger, op string, err error) {
	if errors.Is(err, db.ErrLeaseLost) {
		log.Warn("job lease lost before "+op, zap.Error(err))
		return
	}
	log.Error("failed to "+op+" job", zap.Error(err))
}
