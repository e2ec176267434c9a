// Package circuitbreaker stops delivery attempts to channels whose endpoint keeps
// failing.
//
//	closed    -> open       after MaxFailures consecutive failed sends
//	open      -> half-open  once RecoveryTimeout has passed since opening
//	half-open -> closed     when the probe send succeeds
//	half-open -> open       when the probe send fails
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a channel's breaker is open and the send
// was not attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the breaker in logs; ProtectedSender uses the channel id.
	Name string

	MaxFailures     int
	RecoveryTimeout time.Duration

	// Probes is how many sends a half-open breaker lets through.
	Probes int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		Probes:          1,
	}
}

// Counts are lifetime totals for one breaker.
type Counts struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
}

// Breaker guards the sends to one channel.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	consecutive int
	openedAt    time.Time
	probes      int
	lastFailure time.Time
	counts      Counts
}

func NewBreaker(cfg Config, logger *zap.Logger) *Breaker {
	return newBreaker(cfg, logger, time.Now)
}

func newBreaker(cfg Config, logger *zap.Logger, now func() time.Time) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{config: cfg, logger: logger.With(zap.String("breaker", cfg.Name)), now: now}
}

// Allow returns nil when a send may proceed, or an error wrapping ErrCircuitOpen
// that says when the next probe is due. Every nil return must be followed by Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++

	if b.state == StateOpen {
		retryAt := b.openedAt.Add(b.config.RecoveryTimeout)
		if b.now().Before(retryAt) {
			b.counts.Rejected++
			return fmt.Errorf("%w until %s", ErrCircuitOpen, retryAt.Format(time.RFC3339))
		}
		b.setState(StateHalfOpen)
		b.logger.Info("circuit half-open, sending probe")
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.config.Probes {
			b.counts.Rejected++
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probes++
	}
	return nil
}

// Done records the outcome of an allowed send.
func (b *Breaker) Done(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.counts.Successes++
		b.consecutive = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
			b.logger.Info("circuit closed, channel recovered")
		}
		return
	}

	b.counts.Failures++
	b.consecutive++
	b.lastFailure = b.now()

	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
		b.logger.Warn("probe failed, circuit re-opened")
	case b.state == StateClosed && b.consecutive >= b.config.MaxFailures:
		b.setState(StateOpen)
		b.logger.Warn("circuit opened",
			zap.Int("consecutive_failures", b.consecutive),
			zap.Duration("recovery_timeout", b.config.RecoveryTimeout),
		)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Counts              Counts     `json:"counts"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                b.config.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutive,
		Counts:              b.counts,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if b.state == StateOpen {
		t := b.openedAt.Add(b.config.RecoveryTimeout)
		s.RetryAt = &t
	}
	return s
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.consecutive = 0
	b.logger.Info("circuit manually reset")
}

// setState must be called with mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.logger.Debug("circuit state change",
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
	)
	b.state = s
	b.probes = 0
	if s == StateOpen {
		b.openedAt = b.now()
	}
}
