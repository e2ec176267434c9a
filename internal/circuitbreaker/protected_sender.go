package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/sender"
)

// ProtectedSender wraps a Sender with one circuit breaker per channel, so a dead
// endpoint stops consuming send attempts without affecting other channels.
type ProtectedSender struct {
	sender sender.Sender
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[uuid.UUID]*Breaker
}

// NewProtectedSender wraps s. cfg is the template for every per-channel breaker;
// its Name is replaced with the channel id.
func NewProtectedSender(s sender.Sender, cfg Config, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:   s,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[uuid.UUID]*Breaker),
	}
}

// Breaker returns the breaker for a channel, creating it on first use.
func (p *ProtectedSender) Breaker(channelID uuid.UUID) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[channelID]
	if !ok {
		cfg := p.config
		cfg.Name = channelID.String()
		cb = newBreaker(cfg, p.logger, p.now)
		p.breakers[channelID] = cb
	}
	return cb
}

// Send fails fast with ErrCircuitOpen while the channel's breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, msg *sender.Message) error {
	cb := p.Breaker(msg.ChannelID)
	if err := cb.Allow(); err != nil {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("channel_id", msg.ChannelID.String()),
			zap.Int64("job_id", msg.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("channel %s: %w", msg.ChannelID, err)
	}

	// Permanent errors count as failures too.
	err := p.sender.Send(ctx, msg)
	cb.Done(err == nil)
	return err
}

func (p *ProtectedSender) SupportsChannel(t channel.Type) bool {
	return p.sender.SupportsChannel(t)
}

// Stats lists every breaker that has seen traffic, ordered by channel id.
func (p *ProtectedSender) Stats() []Stats {
	p.mu.Lock()
	breakers := make([]*Breaker, 0, len(p.breakers))
	for _, cb := range p.breakers {
		breakers = append(breakers, cb)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
