package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

func newJob(tenantID, channelID uuid.UUID, alertID, event string) *db.NotificationJob {
	return &db.NotificationJob{
		TenantID:       tenantID,
		AlertID:        alertID,
		ChannelID:      channelID,
		DeliverOnEvent: event,
		Payload:        db.Payload{AlertID: alertID, EventType: event},
	}
}

func TestInsertJob_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant, ch := uuid.New(), uuid.New()

	inserted, err := s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventOpen))
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v; want true, nil", inserted, err)
	}
	inserted, err = s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventOpen))
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", inserted, err)
	}
	inserted, _ = s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventClosed))
	if !inserted {
		t.Error("a different event for the same alert should insert")
	}

	jobs, _ := s.ListJobs(ctx, tenant, db.JobFilter{})
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestClaimDueJobs_Exclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant, ch := uuid.New(), uuid.New()

	const total = 50
	for i := 0; i < total; i++ {
		if _, err := s.InsertJob(ctx, newJob(tenant, ch, fmt.Sprintf("a-%d", i), db.EventOpen)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				jobs, err := s.ClaimDueJobs(ctx, worker, 3)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := claimed[j.ID]; ok {
						t.Errorf("job %d claimed by %s and %s", j.ID, prev, worker)
					}
					claimed[j.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("claimed %d jobs, want %d", len(claimed), total)
	}
}

func TestClaimDueJobs_RespectsNextRunAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	tenant, ch := uuid.New(), uuid.New()

	job := newJob(tenant, ch, "a-1", db.EventOpen)
	_, _ = s.InsertJob(ctx, job)
	claimed, _ := s.ClaimDueJobs(ctx, "w1", 10)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}

	if err := s.RetryJob(ctx, claimed[0], "w1", 1, "boom", now.Add(time.Minute)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again, _ := s.ClaimDueJobs(ctx, "w1", 10); len(again) != 0 {
		t.Fatalf("job claimed before next_run_at")
	}

	now = now.Add(time.Minute)
	again, _ := s.ClaimDueJobs(ctx, "w2", 10)
	if len(again) != 1 || again[0].Attempts != 1 {
		t.Fatalf("expected job with 1 attempt to be due, got %+v", again)
	}
}

func TestTransitions_LeaseLost(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant, ch := uuid.New(), uuid.New()

	_, _ = s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventOpen))
	claimed, _ := s.ClaimDueJobs(ctx, "w1", 1)
	job := claimed[0]

	if err := s.CompleteJob(ctx, job, "w2"); !errors.Is(err, db.ErrLeaseLost) {
		t.Errorf("CompleteJob by non-holder error = %v, want ErrLeaseLost", err)
	}
	if err := s.CompleteJob(ctx, job, "w1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.FailJob(ctx, job, "w1", 1, "late"); !errors.Is(err, db.ErrLeaseLost) {
		t.Errorf("FailJob after completion error = %v, want ErrLeaseLost", err)
	}

	entries, _ := s.ListLogEntries(ctx, tenant, ch, 10)
	if len(entries) != 1 || !entries[0].Success {
		t.Errorf("expected one success log entry, got %+v", entries)
	}
}

func TestReapStaleJobs(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	tenant, ch := uuid.New(), uuid.New()

	_, _ = s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventOpen))
	_, _ = s.InsertJob(ctx, newJob(tenant, ch, "a-2", db.EventOpen))
	claimed, _ := s.ClaimDueJobs(ctx, "w1", 10)
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	// a-2 has already used its last retry.
	_ = s.RetryJob(ctx, claimed[1], "w1", 2, "boom", now)
	reclaimed, _ := s.ClaimDueJobs(ctx, "w1", 10)
	if len(reclaimed) != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", len(reclaimed))
	}

	if res, _ := s.ReapStaleJobs(ctx, 10*time.Minute, 3); res.Requeued+res.Failed != 0 {
		t.Fatalf("fresh leases must not be reaped: %+v", res)
	}

	now = now.Add(11 * time.Minute)
	res, err := s.ReapStaleJobs(ctx, 10*time.Minute, 3)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if res.Requeued != 1 || res.Failed != 1 {
		t.Fatalf("reap result = %+v, want 1 requeued and 1 failed", res)
	}

	failed, _ := s.ListJobs(ctx, tenant, db.JobFilter{Status: db.StatusFailed})
	if len(failed) != 1 || failed[0].AlertID != "a-2" || failed[0].Attempts != 3 {
		t.Errorf("unexpected failed jobs: %+v", failed)
	}
	entries, _ := s.ListLogEntries(ctx, tenant, ch, 0)
	if len(entries) != 1 || entries[0].Success {
		t.Errorf("expected one failure log entry, got %+v", entries)
	}

	if err := s.CompleteJob(ctx, claimed[0], "w1"); !errors.Is(err, db.ErrLeaseLost) {
		t.Errorf("reaped job should no longer be held, got %v", err)
	}
}

func TestHasRecentSuccessLog(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	tenant, ch := uuid.New(), uuid.New()

	_, _ = s.InsertJob(ctx, newJob(tenant, ch, "a-1", db.EventOpen))
	claimed, _ := s.ClaimDueJobs(ctx, "w1", 1)
	_ = s.CompleteJob(ctx, claimed[0], "w1")

	tests := []struct {
		name    string
		alertID string
		since   time.Time
		want    bool
	}{
		{"inside_window", "a-1", now.Add(-5 * time.Minute), true},
		{"at_boundary", "a-1", now, true},
		{"after_window", "a-1", now.Add(time.Second), false},
		{"other_alert", "a-2", now.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.HasRecentSuccessLog(ctx, tenant, ch, tt.alertID, tt.since)
			if err != nil {
				t.Fatalf("HasRecentSuccessLog: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasRecentSuccessLog() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannelsAndRules_TenantScoped(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	ch := &db.Channel{
		TenantID:  tenantA,
		Name:      "ops",
		Type:      channel.TypeChatWebhook,
		Config:    json.RawMessage(`{"url":"https://hooks.example.com/x"}`),
		IsEnabled: true,
	}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := s.GetChannel(ctx, tenantB, ch.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("cross-tenant GetChannel error = %v, want ErrNotFound", err)
	}

	bad := &db.Channel{TenantID: tenantA, Type: channel.TypeChatWebhook, Config: json.RawMessage(`{}`)}
	if err := s.CreateChannel(ctx, bad); !errors.Is(err, channel.ErrInvalidConfig) {
		t.Errorf("CreateChannel with missing url error = %v, want ErrInvalidConfig", err)
	}

	rule := &db.RoutingRule{TenantID: tenantB, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, IsEnabled: true}
	if err := s.CreateRule(ctx, rule); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("rule pointing at another tenant's channel error = %v, want ErrNotFound", err)
	}

	low := &db.RoutingRule{TenantID: tenantA, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, Priority: 1, IsEnabled: true}
	high := &db.RoutingRule{TenantID: tenantA, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, Priority: 50, IsEnabled: true}
	off := &db.RoutingRule{TenantID: tenantA, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, IsEnabled: false}
	for _, r := range []*db.RoutingRule{high, low, off} {
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
	}
	rules, _ := s.ListEnabledRules(ctx, tenantA)
	if len(rules) != 2 || rules[0].ID != low.ID || rules[1].ID != high.ID {
		t.Errorf("ListEnabledRules order wrong: %+v", rules)
	}
}
