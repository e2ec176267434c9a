package worker

import "time"

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 2 * time.Hour
	DefaultMaxAttempts = 5
)

// Backoff computes retry delays: Base doubled per prior attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns 30s doubling up to two hours.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns the wait before the retry that follows attempts failed sends.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
