// Package dispatch turns an alert lifecycle event into durable notification jobs.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/routing"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ListEnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*db.RoutingRule, error)
	ListChannels(ctx context.Context, tenantID uuid.UUID) ([]*db.Channel, error)
	HasRecentSuccessLog(ctx context.Context, tenantID, channelID uuid.UUID, alertID string, since time.Time) (bool, error)
	InsertJob(ctx context.Context, job *db.NotificationJob) (bool, error)
}

// Dispatcher selects matching rules for an alert event and enqueues one job per
// (alert, channel, event). It is safe for concurrent use.
type Dispatcher struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a dispatcher.
func New(store Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Dispatch enqueues jobs for every rule matching alert on event and returns how
// many new jobs were created. Errors are logged, never returned; a failed match is
// skipped and the rest proceed.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID uuid.UUID, alert *db.Alert, event string) int {
	queued, _ := d.dispatch(ctx, tenantID, alert, event)
	return queued
}

// dispatch is Dispatch with the rule and channel load errors surfaced, so a
// queued event can be left for redelivery. Per-match errors are still absorbed.
func (d *Dispatcher) dispatch(ctx context.Context, tenantID uuid.UUID, alert *db.Alert, event string) (int, error) {
	logger := d.logger.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("alert_id", alert.ID),
		zap.String("event", event),
	)

	if !db.ValidEvent(event) {
		logger.Warn("ignoring unknown alert event")
		return 0, nil
	}
	if alert.TenantID != tenantID {
		logger.Warn("alert tenant does not match caller tenant",
			zap.String("alert_tenant_id", alert.TenantID.String()),
		)
		return 0, nil
	}

	rules, err := d.store.ListEnabledRules(ctx, tenantID)
	if err != nil {
		logger.Error("failed to load routing rules", zap.Error(err))
		return 0, fmt.Errorf("load routing rules: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	channels, err := d.store.ListChannels(ctx, tenantID)
	if err != nil {
		logger.Error("failed to load channels", zap.Error(err))
		return 0, fmt.Errorf("load channels: %w", err)
	}

	queued := 0
	for _, m := range routing.Select(rules, channels, alert, event) {
		if d.enqueue(ctx, logger, m, alert, event) {
			queued++
		}
	}

	if queued > 0 {
		logger.Info("alert dispatched", zap.Int("jobs_queued", queued))
	}
	return queued, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, logger *zap.Logger, m routing.Match, alert *db.Alert, event string) bool {
	logger = logger.With(
		zap.String("rule_id", m.Rule.ID.String()),
		zap.String("channel_id", m.Channel.ID.String()),
	)

	if m.Rule.ThrottleMinutes > 0 {
		since := d.now().Add(-time.Duration(m.Rule.ThrottleMinutes) * time.Minute)
		recent, err := d.store.HasRecentSuccessLog(ctx, alert.TenantID, m.Channel.ID, alert.ID, since)
		if err != nil {
			logger.Error("throttle check failed", zap.Error(err))
			metrics.RecordDispatchSkipped("error")
			return false
		}
		if recent {
			logger.Debug("notification throttled")
			metrics.RecordDispatchSkipped("throttled")
			return false
		}
	}

	ruleID := m.Rule.ID
	job := &db.NotificationJob{
		TenantID:       alert.TenantID,
		AlertID:        alert.ID,
		ChannelID:      m.Channel.ID,
		RuleID:         &ruleID,
		DeliverOnEvent: event,
		Payload:        db.NewPayload(alert, event, m.Channel.Type),
	}

	inserted, err := d.store.InsertJob(ctx, job)
	if err != nil {
		logger.Error("failed to insert notification job", zap.Error(err))
		metrics.RecordDispatchSkipped("error")
		return false
	}
	if !inserted {
		logger.Debug("notification job already exists")
		metrics.RecordDispatchSkipped("duplicate")
		return false
	}

	metrics.RecordJobEnqueued(string(m.Channel.Type))
	logger.Debug("notification job queued", zap.Int64("job_id", job.ID))
	return true
}
