// Package memstore is an in-memory implementation of the herald store, used by
// tests and by STORE_DRIVER=memory for local development.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

// Store keeps channels, rules, jobs and the notification log in memory.
// A single mutex makes every claim and transition atomic.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	channels map[uuid.UUID]*db.Channel
	rules    map[uuid.UUID]*db.RoutingRule
	jobs     map[int64]*db.NotificationJob
	log      []*db.NotificationLogEntry
	nextJob  int64
	nextLog  int64
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		channels: make(map[uuid.UUID]*db.Channel),
		rules:    make(map[uuid.UUID]*db.RoutingRule),
		jobs:     make(map[int64]*db.NotificationJob),
	}
}

// SetClock replaces the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func cloneChannel(ch *db.Channel) *db.Channel {
	c := *ch
	c.Config = append(json.RawMessage(nil), ch.Config...)
	return &c
}

func cloneRule(r *db.RoutingRule) *db.RoutingRule {
	c := *r
	c.SiteIDs = append([]string(nil), r.SiteIDs...)
	c.DevicePrefixes = append([]string(nil), r.DevicePrefixes...)
	c.DeliverOn = append([]string(nil), r.DeliverOn...)
	return &c
}

func cloneJob(j *db.NotificationJob) *db.NotificationJob {
	c := *j
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	if j.LockedBy != nil {
		w := *j.LockedBy
		c.LockedBy = &w
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	return &c
}

// CreateChannel validates and stores a channel.
func (s *Store) CreateChannel(ctx context.Context, ch *db.Channel) error {
	if _, err := channel.Decode(ch.Type, ch.Config); err != nil {
		return err
	}
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ch.CreatedAt, ch.UpdatedAt = now, now
	s.channels[ch.ID] = cloneChannel(ch)
	return nil
}

// GetChannel returns a tenant's channel.
func (s *Store) GetChannel(ctx context.Context, tenantID, id uuid.UUID) (*db.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok || ch.TenantID != tenantID {
		return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return cloneChannel(ch), nil
}

// ListChannels returns every channel of a tenant.
func (s *Store) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]*db.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Channel
	for _, ch := range s.channels {
		if ch.TenantID == tenantID {
			out = append(out, cloneChannel(ch))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetChannelEnabled enables or disables a channel.
func (s *Store) SetChannelEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok || ch.TenantID != tenantID {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	ch.IsEnabled = enabled
	ch.UpdatedAt = s.now()
	return nil
}

// CreateRule validates and stores a routing rule.
func (s *Store) CreateRule(ctx context.Context, rule *db.RoutingRule) error {
	if err := db.ValidateRule(rule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[rule.ChannelID]
	if !ok || ch.TenantID != rule.TenantID {
		return fmt.Errorf("channel %s: %w", rule.ChannelID, db.ErrNotFound)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := s.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// ListEnabledRules returns enabled rules ordered by priority, then id.
func (s *Store) ListEnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*db.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.RoutingRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.IsEnabled {
			out = append(out, cloneRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// InsertJob enqueues a pending job unless its outcome tuple already exists.
func (s *Store) InsertJob(ctx context.Context, job *db.NotificationJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == job.TenantID && j.AlertID == job.AlertID &&
			j.ChannelID == job.ChannelID && j.DeliverOnEvent == job.DeliverOnEvent {
			return false, nil
		}
	}

	s.nextJob++
	now := s.now()
	job.ID = s.nextJob
	job.Status = db.StatusPending
	job.Attempts = 0
	job.NextRunAt = now
	job.LastError = nil
	job.LockedBy = nil
	job.LockedAt = nil
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = cloneJob(job)
	return true, nil
}

// ClaimDueJobs moves up to limit due pending jobs to processing under workerID.
func (s *Store) ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]*db.NotificationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var due []*db.NotificationJob
	for _, j := range s.jobs {
		if j.Status == db.StatusPending && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextRunAt.Equal(due[k].NextRunAt) {
			return due[i].NextRunAt.Before(due[k].NextRunAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*db.NotificationJob, 0, len(due))
	for _, j := range due {
		w := workerID
		at := now
		j.Status = db.StatusProcessing
		j.LockedBy = &w
		j.LockedAt = &at
		j.UpdatedAt = now
		out = append(out, cloneJob(j))
	}
	return out, nil
}

// held returns the stored job when workerID still holds its lease. Callers hold mu.
func (s *Store) held(id int64, workerID string) (*db.NotificationJob, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != db.StatusProcessing || j.LockedBy == nil || *j.LockedBy != workerID {
		return nil, fmt.Errorf("job %d: %w", id, db.ErrLeaseLost)
	}
	return j, nil
}

func (s *Store) appendLog(j *db.NotificationJob, success bool, errMsg *string) {
	s.nextLog++
	s.log = append(s.log, &db.NotificationLogEntry{
		ID:        s.nextLog,
		TenantID:  j.TenantID,
		ChannelID: j.ChannelID,
		AlertID:   j.AlertID,
		JobID:     j.ID,
		Success:   success,
		ErrorMsg:  errMsg,
		SentAt:    s.now(),
	})
}

func release(j *db.NotificationJob, status string, now time.Time) {
	j.Status = status
	j.LockedBy = nil
	j.LockedAt = nil
	j.UpdatedAt = now
}

// CompleteJob marks a held job completed and logs the success.
func (s *Store) CompleteJob(ctx context.Context, job *db.NotificationJob, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(job.ID, workerID)
	if err != nil {
		return err
	}
	j.Attempts = job.Attempts
	j.LastError = nil
	release(j, db.StatusCompleted, s.now())
	s.appendLog(j, true, nil)
	return nil
}

// FailJob marks a held job failed and logs the failure.
func (s *Store) FailJob(ctx context.Context, job *db.NotificationJob, workerID string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(job.ID, workerID)
	if err != nil {
		return err
	}
	msg := db.Truncate(lastError)
	j.Attempts = attempts
	j.LastError = &msg
	release(j, db.StatusFailed, s.now())
	logMsg := msg
	s.appendLog(j, false, &logMsg)
	return nil
}

// RetryJob returns a held job to pending with a new attempt count.
func (s *Store) RetryJob(ctx context.Context, job *db.NotificationJob, workerID string, attempts int, lastError string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(job.ID, workerID)
	if err != nil {
		return err
	}
	msg := db.Truncate(lastError)
	j.Attempts = attempts
	j.LastError = &msg
	j.NextRunAt = nextRunAt
	release(j, db.StatusPending, s.now())
	return nil
}

// DeferJob returns a held job to pending without counting an attempt.
func (s *Store) DeferJob(ctx context.Context, job *db.NotificationJob, workerID string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(job.ID, workerID)
	if err != nil {
		return err
	}
	j.NextRunAt = nextRunAt
	release(j, db.StatusPending, s.now())
	return nil
}

// ReapStaleJobs recovers processing jobs whose lease is older than leaseTimeout.
func (s *Store) ReapStaleJobs(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (db.ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-leaseTimeout)

	var res db.ReapResult
	for _, j := range s.jobs {
		if j.Status != db.StatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		msg := "lease expired"
		j.Attempts++
		j.LastError = &msg
		j.NextRunAt = now
		if j.Attempts >= maxAttempts {
			release(j, db.StatusFailed, now)
			logMsg := msg
			s.appendLog(j, false, &logMsg)
			res.Failed++
			continue
		}
		release(j, db.StatusPending, now)
		res.Requeued++
	}
	return res, nil
}

// GetJob returns a tenant's job.
func (s *Store) GetJob(ctx context.Context, tenantID uuid.UUID, id int64) (*db.NotificationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	return cloneJob(j), nil
}

// ListJobs returns a tenant's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID uuid.UUID, filter db.JobFilter) ([]*db.NotificationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.NotificationJob
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if filter.ChannelID != nil && j.ChannelID != *filter.ChannelID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// HasRecentSuccessLog reports whether a successful delivery was logged at or after since.
func (s *Store) HasRecentSuccessLog(ctx context.Context, tenantID, channelID uuid.UUID, alertID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.log {
		if e.Success && e.TenantID == tenantID && e.ChannelID == channelID &&
			e.AlertID == alertID && !e.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// ListLogEntries returns a channel's log entries, newest first.
func (s *Store) ListLogEntries(ctx context.Context, tenantID, channelID uuid.UUID, limit int) ([]*db.NotificationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.NotificationLogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		e := s.log[i]
		if e.TenantID != tenantID || e.ChannelID != channelID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
