// Package sender delivers a notification payload over one channel type.
// Senders are pure I/O: they know wire formats, not retries or job state.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

// Sender is the unified interface for all notification channels.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(t channel.Type) bool
}

// Message is one delivery: the decoded channel config plus the payload snapshot.
type Message struct {
	JobID     int64
	TenantID  uuid.UUID
	ChannelID uuid.UUID
	Config    channel.Config
	Payload   db.Payload
}

// ChannelType returns the type of the configured channel.
func (m *Message) ChannelType() channel.Type {
	if m.Config == nil {
		return ""
	}
	return m.Config.Type()
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrNoSender is returned when no registered sender handles a channel type.
var ErrNoSender = errors.New("no sender for channel type")

// MultiSender routes messages to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders.
// The first sender supporting a type wins.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the sender for its channel type.
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	t := msg.ChannelType()
	for _, s := range m.senders {
		if s.SupportsChannel(t) {
			m.logger.Debug("routing message to sender",
				zap.String("channel_type", string(t)),
				zap.Int64("job_id", msg.JobID),
			)
			return s.Send(ctx, msg)
		}
	}
	return Permanent(fmt.Errorf("%w: %s", ErrNoSender, t))
}

// SupportsChannel checks if any underlying sender supports the channel type.
func (m *MultiSender) SupportsChannel(t channel.Type) bool {
	for _, s := range m.senders {
		if s.SupportsChannel(t) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of sending them (for development).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	body, _ := json.Marshal(msg.Payload)
	s.logger.Info("logging notification (development mode)",
		zap.Int64("job_id", msg.JobID),
		zap.String("channel_id", msg.ChannelID.String()),
		zap.String("channel_type", string(msg.ChannelType())),
		zap.Any("payload", json.RawMessage(body)),
	)
	return nil
}

// SupportsChannel accepts every known channel type.
func (s *LogSender) SupportsChannel(t channel.Type) bool {
	return t.Valid()
}

// configAs asserts the message config to the concrete type a sender expects.
func configAs[T channel.Config](msg *Message) (T, error) {
	cfg, ok := msg.Config.(T)
	if !ok {
		var zero T
		return zero, Permanent(fmt.Errorf("unexpected config %T for %s", msg.Config, msg.ChannelType()))
	}
	return cfg, nil
}
