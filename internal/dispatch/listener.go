package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/sqs"
)

// EventSource delivers queued alert events. *sqs.Queue satisfies it.
type EventSource interface {
	Receive(ctx context.Context) (*sqs.Event, string, error)
	Ack(ctx context.Context, handle string) error
}

// Listener feeds queued alert events into the dispatcher.
type Listener struct {
	source     EventSource
	dispatcher *Dispatcher
	logger     *zap.Logger
	errorDelay time.Duration
}

// NewListener creates a listener.
func NewListener(source EventSource, dispatcher *Dispatcher, logger *zap.Logger) *Listener {
	return &Listener{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger,
		errorDelay: 2 * time.Second,
	}
}

// Run receives and dispatches events until ctx is cancelled. A message is deleted
// once dispatched; redelivery is harmless since dispatch is idempotent. When the
// rules or channels cannot be loaded the message is kept and the queue's
// visibility timeout brings it back.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("alert event listener started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("alert event listener stopping")
			return
		}
		if !l.poll(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(l.errorDelay):
			}
		}
	}
}

// poll handles at most one message. It returns false when the caller should back off.
func (l *Listener) poll(ctx context.Context) bool {
	msg, handle, err := l.source.Receive(ctx)
	if err != nil {
		if errors.Is(err, sqs.ErrInvalidMessage) && handle != "" {
			l.logger.Warn("dropping malformed alert event", zap.Error(err))
			l.delete(ctx, handle)
			return true
		}
		if ctx.Err() == nil {
			l.logger.Error("failed to receive alert event", zap.Error(err))
		}
		return false
	}
	if msg == nil {
		return true
	}

	metrics.SetEventsInFlight(1)
	defer metrics.SetEventsInFlight(0)

	tenantID, err := uuid.Parse(msg.TenantID)
	if err != nil {
		l.logger.Warn("dropping alert event with invalid tenant id",
			zap.String("tenant_id", msg.TenantID),
			zap.String("alert_id", msg.Alert.ID),
		)
		l.delete(ctx, handle)
		return true
	}
	if msg.Alert.TenantID == uuid.Nil {
		msg.Alert.TenantID = tenantID
	}

	alert := msg.Alert
	queued, err := l.dispatcher.dispatch(ctx, tenantID, &alert, msg.Event)
	if err != nil {
		l.logger.Warn("alert event left for redelivery",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return false
	}
	l.logger.Debug("alert event dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("event", msg.Event),
		zap.Int("jobs_queued", queued),
	)
	l.delete(ctx, handle)
	return true
}

func (l *Listener) delete(ctx context.Context, handle string) {
	if err := l.source.Ack(ctx, handle); err != nil {
		l.logger.Error("failed to delete alert event", zap.Error(err))
	}
}

var _ EventSource = (*sqs.Queue)(nil)
