package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ResponseTTL is how long a completed response is replayed for its key.
	ResponseTTL = 24 * time.Hour

	// claimTTL bounds a claim whose request never completes or abandons it.
	claimTTL = 5 * time.Minute

	claimMarker = "in-flight"
)

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("idempotency key is held by a request in flight")

// StoredResponse is what a repeated request receives instead of re-running.
type StoredResponse struct {
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body"`
	StoredAt time.Time       `json:"stored_at"`
}

// IdempotencyService deduplicates event submissions per tenant and
// Idempotency-Key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger, now: time.Now}
}

func idempotencyKey(tenantID, key string) string {
	return "herald:idem:" + tenantID + ":" + key
}

// Begin claims key for the caller. It returns (nil, nil) when the claim is
// won, the stored response when the key already completed, or ErrInFlight.
// The winner must call Complete or Abandon.
func (s *IdempotencyService) Begin(ctx context.Context, tenantID, key string) (*StoredResponse, error) {
	k := idempotencyKey(tenantID, key)

	won, err := s.client.rdb.SetNX(ctx, k, claimMarker, claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if won {
		return nil, nil
	}

	raw, err := s.client.rdb.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired or abandoned between SETNX and GET.
		return s.Begin(ctx, tenantID, key)
	case err != nil:
		return nil, fmt.Errorf("read idempotency key: %w", err)
	case string(raw) == claimMarker:
		return nil, ErrInFlight
	}

	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response for %q: %w", key, err)
	}
	s.logger.Debug("replaying stored response",
		zap.String("tenant_id", tenantID),
		zap.String("idempotency_key", key),
	)
	return &resp, nil
}

// Complete replaces the claim with the response, kept for ResponseTTL.
func (s *IdempotencyService) Complete(ctx context.Context, tenantID, key string, status int, body []byte) error {
	data, err := json.Marshal(StoredResponse{Status: status, Body: body, StoredAt: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(tenantID, key), data, ResponseTTL).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// Abandon drops the claim so the client may retry.
func (s *IdempotencyService) Abandon(ctx context.Context, tenantID, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
