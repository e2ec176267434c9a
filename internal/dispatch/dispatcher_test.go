package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/db/memstore"
)

type fixture struct {
	store  *memstore.Store
	now    time.Time
	tenant uuid.UUID
	d      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		now:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		tenant: uuid.New(),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.d = New(f.store, zap.NewNop())
	f.d.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) channel(t *testing.T, typ channel.Type, cfg string, enabled bool) *db.Channel {
	t.Helper()
	ch := &db.Channel{TenantID: f.tenant, Name: string(typ), Type: typ, Config: json.RawMessage(cfg), IsEnabled: enabled}
	if err := f.store.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

func (f *fixture) rule(t *testing.T, ch *db.Channel, throttle int, events ...string) *db.RoutingRule {
	t.Helper()
	r := &db.RoutingRule{TenantID: f.tenant, ChannelID: ch.ID, DeliverOn: events, ThrottleMinutes: throttle, IsEnabled: true}
	if err := f.store.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func (f *fixture) alert() *db.Alert {
	return &db.Alert{
		ID:          "alert-42",
		TenantID:    f.tenant,
		Severity:    3,
		AlertType:   "temperature_high",
		DeviceID:    "pump-1",
		SiteID:      "site-a",
		Message:     "temperature above 90C",
		TriggeredAt: f.now,
	}
}

const chatCfg = `{"url":"https://hooks.example.com/chat"}`
const pagingCfg = `{"routing_key":"rk-1"}`

func TestDispatch_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	f.rule(t, ch, 0, db.EventOpen)

	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen); got != 1 {
		t.Fatalf("first Dispatch() = %d, want 1", got)
	}
	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen); got != 0 {
		t.Fatalf("second Dispatch() = %d, want 0", got)
	}

	jobs, _ := f.store.ListJobs(ctx, f.tenant, db.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Status != db.StatusPending || job.Attempts != 0 {
		t.Errorf("unexpected new job state: %+v", job)
	}
	if job.Payload.EventType != db.EventOpen || job.Payload.ChannelType != channel.TypeChatWebhook || job.Payload.Message != "temperature above 90C" {
		t.Errorf("payload snapshot wrong: %+v", job.Payload)
	}
	if job.RuleID == nil {
		t.Error("rule id should be recorded")
	}
}

func TestDispatch_FanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	pager := f.channel(t, channel.TypePaging, pagingCfg, true)
	f.rule(t, chat, 0, db.EventOpen)
	f.rule(t, pager, 0, db.EventOpen, db.EventClosed)

	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen); got != 2 {
		t.Fatalf("Dispatch(OPEN) = %d, want 2", got)
	}
	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventClosed); got != 1 {
		t.Fatalf("Dispatch(CLOSED) = %d, want 1", got)
	}
	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventAcknowledged); got != 0 {
		t.Fatalf("Dispatch(ACKNOWLEDGED) = %d, want 0", got)
	}
}

func TestDispatch_DisabledChannel(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, false)
	f.rule(t, ch, 0, db.EventOpen)

	if got := f.d.Dispatch(context.Background(), f.tenant, f.alert(), db.EventOpen); got != 0 {
		t.Errorf("Dispatch() = %d, want 0 for disabled channel", got)
	}
}

func TestDispatch_Throttle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	f.rule(t, ch, 10, db.EventOpen, db.EventAcknowledged, db.EventClosed)

	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen); got != 1 {
		t.Fatalf("Dispatch(OPEN) = %d, want 1", got)
	}
	claimed, _ := f.store.ClaimDueJobs(ctx, "w1", 1)
	if err := f.store.CompleteJob(ctx, claimed[0], "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.now = f.now.Add(5 * time.Minute)
	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventAcknowledged); got != 0 {
		t.Fatalf("Dispatch inside throttle window = %d, want 0", got)
	}

	f.now = f.now.Add(6 * time.Minute)
	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventClosed); got != 1 {
		t.Fatalf("Dispatch after throttle window = %d, want 1", got)
	}
}

func TestDispatch_FailedDeliveryDoesNotThrottle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	f.rule(t, ch, 30, db.EventOpen, db.EventClosed)

	f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen)
	claimed, _ := f.store.ClaimDueJobs(ctx, "w1", 1)
	_ = f.store.FailJob(ctx, claimed[0], "w1", 5, "http 500")

	if got := f.d.Dispatch(ctx, f.tenant, f.alert(), db.EventClosed); got != 1 {
		t.Errorf("Dispatch() after failed delivery = %d, want 1", got)
	}
}

// flakyStore fails inserts for one channel.
type flakyStore struct {
	*memstore.Store
	failChannel uuid.UUID
}

func (s *flakyStore) InsertJob(ctx context.Context, job *db.NotificationJob) (bool, error) {
	if job.ChannelID == s.failChannel {
		return false, errors.New("connection reset")
	}
	return s.Store.InsertJob(ctx, job)
}

func TestDispatch_InsertErrorSkipsOnlyThatMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	pager := f.channel(t, channel.TypePaging, pagingCfg, true)
	f.rule(t, chat, 0, db.EventOpen)
	f.rule(t, pager, 0, db.EventOpen)

	d := New(&flakyStore{Store: f.store, failChannel: chat.ID}, zap.NewNop())
	if got := d.Dispatch(ctx, f.tenant, f.alert(), db.EventOpen); got != 1 {
		t.Fatalf("Dispatch() = %d, want 1", got)
	}
	jobs, _ := f.store.ListJobs(ctx, f.tenant, db.JobFilter{})
	if len(jobs) != 1 || jobs[0].ChannelID != pager.ID {
		t.Errorf("expected only the pager job, got %+v", jobs)
	}
}

type brokenStore struct{ *memstore.Store }

func (brokenStore) ListEnabledRules(context.Context, uuid.UUID) ([]*db.RoutingRule, error) {
	return nil, errors.New("db down")
}

func TestDispatch_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	d := New(brokenStore{f.store}, zap.NewNop())
	if got := d.Dispatch(context.Background(), f.tenant, f.alert(), db.EventOpen); got != 0 {
		t.Errorf("Dispatch() = %d, want 0", got)
	}
}

func TestDispatch_RejectsForeignTenantAndUnknownEvent(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	f.rule(t, ch, 0, db.EventOpen)

	if got := f.d.Dispatch(context.Background(), uuid.New(), f.alert(), db.EventOpen); got != 0 {
		t.Errorf("Dispatch() with mismatched tenant = %d, want 0", got)
	}
	if got := f.d.Dispatch(context.Background(), f.tenant, f.alert(), "REOPENED"); got != 0 {
		t.Errorf("Dispatch() with unknown event = %d, want 0", got)
	}
}

type noChannelsStore struct{ *memstore.Store }

func (noChannelsStore) ListChannels(context.Context, uuid.UUID) ([]*db.Channel, error) {
	return nil, errors.New("db down")
}

func TestDispatch_SurfacesLoadErrors(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, channel.TypeChatWebhook, chatCfg, true)
	f.rule(t, ch, 0, db.EventOpen)

	tests := []struct {
		name  string
		store Store
	}{
		{"rules", brokenStore{f.store}},
		{"channels", noChannelsStore{f.store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.store, zap.NewNop())
			n, err := d.dispatch(context.Background(), f.tenant, f.alert(), db.EventOpen)
			if err == nil || n != 0 {
				t.Errorf("dispatch() = %d, %v, want 0 and an error", n, err)
			}
		})
	}

	if n, err := f.d.dispatch(context.Background(), f.tenant, f.alert(), db.EventClosed); err != nil || n != 0 {
		t.Errorf("dispatch() with no matching rule = %d, %v, want 0, nil", n, err)
	}
}
