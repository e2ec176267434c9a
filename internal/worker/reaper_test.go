package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

func TestReaper_RequeuesAbandonedJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.dispatch(t)

	if _, err := f.store.ClaimDueJobs(ctx, "crashed-worker", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r := NewReaper(f.store, ReaperConfig{LeaseTimeout: 10 * time.Minute, MaxAttempts: 5}, zap.NewNop())

	f.now = f.now.Add(5 * time.Minute)
	res, err := r.Sweep(ctx)
	if err != nil || res.Requeued != 0 {
		t.Fatalf("early sweep = %+v, %v; want nothing reaped", res, err)
	}

	f.now = f.now.Add(6 * time.Minute)
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Requeued != 1 || res.Failed != 0 {
		t.Fatalf("sweep = %+v, want 1 requeued", res)
	}

	j := f.job(t, id)
	if j.Status != db.StatusPending || j.Attempts != 1 {
		t.Fatalf("job = %s/%d, want pending/1", j.Status, j.Attempts)
	}

	f.w.processBatch(ctx)
	if j := f.job(t, id); j.Status != db.StatusCompleted {
		t.Fatalf("status after redelivery = %s", j.Status)
	}
}

func TestReaper_FailsAtCeiling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.dispatch(t)

	if _, err := f.store.ClaimDueJobs(ctx, "crashed-worker", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r := NewReaper(f.store, ReaperConfig{LeaseTimeout: time.Minute, MaxAttempts: 1}, zap.NewNop())
	f.now = f.now.Add(2 * time.Minute)
	res, err := r.Sweep(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("sweep = %+v, %v; want 1 failed", res, err)
	}

	j := f.job(t, id)
	if j.Status != db.StatusFailed || j.LastError == nil || *j.LastError != "lease expired" {
		t.Fatalf("job = %+v", j)
	}
	entries := f.logEntries(t)
	if len(entries) != 1 || entries[0].Success {
		t.Fatalf("log entries = %+v, want one failure", entries)
	}
}

type failingReapStore struct{}

func (failingReapStore) ReapStaleJobs(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (db.ReapResult, error) {
	return db.ReapResult{}, errors.New("connection reset")
}

func TestReaper_StartRejectsBadSchedule(t *testing.T) {
	r := NewReaper(failingReapStore{}, ReaperConfig{Schedule: "every now and then"}, zap.NewNop())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	for _, spec := range []string{"", "every now and then", "* * *"} {
		if err := ValidateSchedule(spec); err == nil {
			t.Errorf("ValidateSchedule(%q) should fail", spec)
		}
	}
}

func TestReaper_StartStopsOnCancel(t *testing.T) {
	r := NewReaper(failingReapStore{}, ReaperConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
	if _, err := r.Sweep(context.Background()); err == nil {
		t.Error("store error should surface from Sweep")
	}
}
