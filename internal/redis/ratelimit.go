package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// slidingWindow trims entries at or before ARGV[2], then records ARGV[1] as a
// new entry unless ARGV[3] entries remain. Scores are unix milliseconds.
// Returns {allowed, count, oldest score}.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {allowed, count, oldest[2] or ARGV[1]}
`)

// RateLimiter is a sliding-window limiter shared by every process using the
// same Redis. Each check is a single atomic script call.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, logger: logger, config: config, now: time.Now}
}

// Limit is the configured maximum per window.
func (r *RateLimiter) Limit() int { return r.config.Limit }

func (r *RateLimiter) Allow(ctx context.Context, key string) (*Decision, error) {
	now := r.now().UnixMilli()
	window := r.config.Window.Milliseconds()

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{"herald:ratelimit:" + key},
		now,
		now-window,
		r.config.Limit,
		uuid.NewString(),
		window+1000,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, err := strconv.ParseFloat(fmt.Sprint(res[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("rate limit script: bad score %v", res[2])
	}

	d := &Decision{
		Allowed:   allowed == 1,
		Remaining: max(0, r.config.Limit-int(count)),
		ResetAt:   time.UnixMilli(int64(oldest)).Add(r.config.Window),
	}
	if !d.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
			zap.Time("reset_at", d.ResetAt),
		)
	}
	return d, nil
}

// ChannelLimiter caps sends per channel across all workers.
type ChannelLimiter struct {
	limiter *RateLimiter
}

func NewChannelLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *ChannelLimiter {
	return &ChannelLimiter{limiter: NewRateLimiter(client, logger, config)}
}

func (c *ChannelLimiter) Allow(ctx context.Context, channelID uuid.UUID) (bool, time.Time, error) {
	d, err := c.limiter.Allow(ctx, "channel:"+channelID.String())
	if err != nil {
		return false, time.Time{}, err
	}
	return d.Allowed, d.ResetAt, nil
}
