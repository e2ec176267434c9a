package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

const (
	DefaultReaperSchedule = "@every 1m"
	DefaultLeaseTimeout   = 10 * time.Minute
)

// ReaperStore recovers jobs stuck in processing past their lease.
type ReaperStore interface {
	ReapStaleJobs(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (db.ReapResult, error)
}

// ReaperConfig sets the sweep schedule and the lease a worker gets per job.
type ReaperConfig struct {
	Schedule     string
	LeaseTimeout time.Duration
	MaxAttempts  int
}

// Reaper returns jobs whose worker died mid-send to the queue, or fails them once
// they have used up their attempts.
type Reaper struct {
	store  ReaperStore
	config ReaperConfig
	logger *zap.Logger
	cron   *cron.Cron
}

// NewReaper creates a reaper over store.
func NewReaper(store ReaperStore, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultReaperSchedule
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Reaper{
		store:  store,
		config: cfg,
		logger: logger,
		cron:   cron.New(),
	}
}

// ValidateSchedule reports whether spec is a schedule the reaper accepts.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules sweeps and blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.config.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("lease sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("reaper started",
		zap.String("schedule", r.config.Schedule),
		zap.Duration("lease_timeout", r.config.LeaseTimeout),
	)

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
	return nil
}

// Sweep runs one pass over expired leases.
func (r *Reaper) Sweep(ctx context.Context) (db.ReapResult, error) {
	res, err := r.store.ReapStaleJobs(ctx, r.config.LeaseTimeout, r.config.MaxAttempts)
	if err != nil {
		return res, err
	}
	metrics.RecordJobsReaped(res.Requeued, res.Failed)
	if res.Requeued > 0 || res.Failed > 0 {
		r.logger.Warn("reaped stale jobs",
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}
