package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Limiter caps how often a single channel is sent to. When a send is refused,
// resetAt is the earliest time worth trying again.
type Limiter interface {
	Allow(ctx context.Context, channelID uuid.UUID) (ok bool, resetAt time.Time, err error)
}

// LocalLimiter is a per-process token bucket per channel. It is used when Redis
// is not configured, so the cap holds per worker process rather than fleet-wide.
type LocalLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
	limiters map[uuid.UUID]*rate.Limiter
}

// NewLocalLimiter allows n sends per window for each channel.
func NewLocalLimiter(n int, window time.Duration) *LocalLimiter {
	if n <= 0 {
		n = 1
	}
	return &LocalLimiter{
		limit:    rate.Every(window / time.Duration(n)),
		burst:    n,
		now:      time.Now,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, channelID uuid.UUID) (bool, time.Time, error) {
	l.mu.Lock()
	lim, ok := l.limiters[channelID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[channelID] = lim
	}
	now := l.now()
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(time.Second), nil
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, now, nil
	}
	r.CancelAt(now)
	return false, now.Add(delay), nil
}

// NoLimit never refuses a send.
type NoLimit struct{}

func (NoLimit) Allow(ctx context.Context, channelID uuid.UUID) (bool, time.Time, error) {
	return true, time.Time{}, nil
}
