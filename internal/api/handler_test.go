package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/db/memstore"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sender"
)

type stubSender struct {
	err  error
	sent []*sender.Message
}

func (s *stubSender) Send(ctx context.Context, msg *sender.Message) error {
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *stubSender) SupportsChannel(t channel.Type) bool { return true }

type fakeQueue struct {
	err    error
	events []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, alert *db.Alert, event string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.events = append(q.events, alert.ID+"/"+event)
	return fmt.Sprintf("msg-%d", len(q.events)), nil
}

type testEnv struct {
	store  *memstore.Store
	sender *stubSender
	tenant uuid.UUID
	router http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store := memstore.New()
	e := &testEnv{
		store:  store,
		sender: &stubSender{},
		tenant: uuid.New(),
	}
	logger := zap.NewNop()
	h := NewHandler(logger, store, dispatch.New(store, logger), e.sender, opts)
	e.router = NewRouter(h, nil, logger)
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", e.tenant.String())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// seed creates a webhook channel and an OPEN rule through the API.
func (e *testEnv) seed(t *testing.T) uuid.UUID {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/channels", CreateChannelRequest{
		Name:   "ops",
		Type:   channel.TypeGenericWebhook,
		Config: json.RawMessage(`{"url":"https://hooks.example.com/ops"}`),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create channel: %d %s", rec.Code, rec.Body.String())
	}
	ch := decode[db.Channel](t, rec)
	if ch.Config != nil && string(ch.Config) != "null" {
		t.Errorf("config echoed back: %s", ch.Config)
	}

	rec = e.do(t, http.MethodPost, "/v1/rules", map[string]any{
		"name":       "all opens",
		"channel_id": ch.ID,
		"deliver_on": []string{db.EventOpen},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: %d %s", rec.Code, rec.Body.String())
	}
	return ch.ID
}

func (e *testEnv) event(id, event string) AlertEventRequest {
	return AlertEventRequest{
		Alert: db.Alert{
			ID:        id,
			Severity:  4,
			AlertType: "temperature_high",
			DeviceID:  "pump-3",
			SiteID:    "plant-1",
			Message:   "temperature above 90C",
		},
		Event: event,
	}
}

func TestTenantMiddleware(t *testing.T) {
	e := newTestEnv(t, Options{})

	tests := []struct {
		name   string
		tenant string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not a uuid", "acme", http.StatusBadRequest},
		{"valid", uuid.NewString(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.tenant != "" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPostAlertEvent_DispatchesInline(t *testing.T) {
	e := newTestEnv(t, Options{})
	channelID := e.seed(t)

	rec := e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-1", db.EventOpen))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["jobs_queued"]; got != float64(1) {
		t.Errorf("jobs_queued = %v, want 1", got)
	}

	// CLOSED is not in the rule's deliver_on set.
	rec = e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-1", db.EventClosed))
	if got := decode[map[string]any](t, rec)["jobs_queued"]; got != float64(0) {
		t.Errorf("jobs_queued for CLOSED = %v, want 0", got)
	}

	rec = e.do(t, http.MethodGet, "/v1/jobs?status=pending&channel_id="+channelID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: %d", rec.Code)
	}
	list := decode[struct {
		Data  []*db.NotificationJob `json:"data"`
		Count int                   `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Data[0].AlertID != "alert-1" {
		t.Fatalf("jobs = %+v", list)
	}
	job := list.Data[0]
	if job.TenantID != e.tenant || job.Payload.DeviceID != "pump-3" || job.DeliverOnEvent != db.EventOpen {
		t.Errorf("unexpected job %+v", job)
	}

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", job.ID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get job: %d", rec.Code)
	}

	other := *e
	other.tenant = uuid.New()
	if rec := other.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", job.ID), nil); rec.Code != http.StatusNotFound {
		t.Errorf("other tenant get job = %d, want 404", rec.Code)
	}
}

func TestPostAlertEvent_Validation(t *testing.T) {
	e := newTestEnv(t, Options{})

	mismatched := e.event("alert-1", db.EventOpen)
	mismatched.Alert.TenantID = uuid.New()

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"alert":`},
		{"unknown event", e.event("alert-1", "ESCALATED")},
		{"missing alert id", e.event("", db.EventOpen)},
		{"tenant mismatch", mismatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/alerts/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func setupIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())
}

func TestPostAlertEvent_IdempotentReplay(t *testing.T) {
	e := newTestEnv(t, Options{Idempotency: setupIdempotency(t)})
	e.seed(t)

	first := e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-7", db.EventOpen), "Idempotency-Key", "k-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d: %s", first.Code, first.Body.String())
	}
	firstBody := decode[map[string]any](t, first)

	second := e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-7", db.EventOpen), "Idempotency-Key", "k-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay header missing")
	}
	secondBody := decode[map[string]any](t, second)
	if firstBody["jobs_queued"] != secondBody["jobs_queued"] || secondBody["alert_id"] != "alert-7" {
		t.Errorf("replayed body %v, want %v", secondBody, firstBody)
	}

	jobs, err := e.store.ListJobs(context.Background(), e.tenant, db.JobFilter{})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %d, %v; want 1", len(jobs), err)
	}

	// Keys are scoped per tenant.
	other := *e
	other.tenant = uuid.New()
	rec := other.do(t, http.MethodPost, "/v1/alerts/events", other.event("alert-7", db.EventOpen), "Idempotency-Key", "k-1")
	if rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("key replayed across tenants")
	}
}

func TestPostAlertEvent_Queue(t *testing.T) {
	q := &fakeQueue{}
	e := newTestEnv(t, Options{Queue: q})

	rec := e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-2", db.EventAcknowledged))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["message_id"] != "msg-1" {
		t.Errorf("message_id = %q", body["message_id"])
	}
	if len(q.events) != 1 || q.events[0] != "alert-2/ACKNOWLEDGED" {
		t.Errorf("queued = %v", q.events)
	}
}

func TestPostAlertEvent_QueueFailureReleasesKey(t *testing.T) {
	q := &fakeQueue{err: errors.New("sqs down")}
	e := newTestEnv(t, Options{Queue: q, Idempotency: setupIdempotency(t)})

	rec := e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-3", db.EventOpen), "Idempotency-Key", "k-2")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	q.err = nil
	rec = e.do(t, http.MethodPost, "/v1/alerts/events", e.event("alert-3", db.EventOpen), "Idempotency-Key", "k-2")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateChannel_Errors(t *testing.T) {
	e := newTestEnv(t, Options{})

	tests := []struct {
		name string
		body any
	}{
		{"unknown type", CreateChannelRequest{Name: "x", Type: "carrier_pigeon", Config: json.RawMessage(`{}`)}},
		{"invalid config", CreateChannelRequest{Name: "x", Type: channel.TypeEmail, Config: json.RawMessage(`{}`)}},
		{"missing name", CreateChannelRequest{Type: channel.TypeGenericWebhook, Config: json.RawMessage(`{"url":"https://a"}`)}},
		{"malformed", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, http.MethodPost, "/v1/channels", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUpdateChannel(t *testing.T) {
	e := newTestEnv(t, Options{})
	channelID := e.seed(t)

	rec := e.do(t, http.MethodPatch, "/v1/channels/"+channelID.String(), map[string]bool{"is_enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ch, err := e.store.GetChannel(context.Background(), e.tenant, channelID)
	if err != nil || ch.IsEnabled {
		t.Fatalf("channel = %+v, %v; want disabled", ch, err)
	}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown channel", "/v1/channels/" + uuid.NewString(), map[string]bool{"is_enabled": true}, http.StatusNotFound},
		{"bad id", "/v1/channels/abc", map[string]bool{"is_enabled": true}, http.StatusBadRequest},
		{"missing field", "/v1/channels/" + channelID.String(), map[string]string{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, http.MethodPatch, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateRule_Errors(t *testing.T) {
	e := newTestEnv(t, Options{})
	channelID := e.seed(t)

	foreignID := uuid.New()

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty deliver_on", map[string]any{"channel_id": channelID, "deliver_on": []string{}}, http.StatusBadRequest},
		{"unknown event", map[string]any{"channel_id": channelID, "deliver_on": []string{"FIRED"}}, http.StatusBadRequest},
		{"negative throttle", map[string]any{"channel_id": channelID, "deliver_on": []string{"OPEN"}, "throttle_minutes": -1}, http.StatusBadRequest},
		{"tag key without value", map[string]any{"channel_id": channelID, "deliver_on": []string{"OPEN"}, "device_tag_key": "zone"}, http.StatusBadRequest},
		{"unknown channel", map[string]any{"channel_id": foreignID, "deliver_on": []string{"OPEN"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, http.MethodPost, "/v1/rules", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	other := *e
	other.tenant = uuid.New()
	rec := other.do(t, http.MethodPost, "/v1/rules", map[string]any{"channel_id": channelID, "deliver_on": []string{"OPEN"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("rule on another tenant's channel = %d, want 404", rec.Code)
	}
}

func TestTestChannel(t *testing.T) {
	e := newTestEnv(t, Options{})
	channelID := e.seed(t)

	rec := e.do(t, http.MethodPost, "/v1/channels/"+channelID.String()+"/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(e.sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(e.sender.sent))
	}
	msg := e.sender.sent[0]
	if msg.ChannelType() != channel.TypeGenericWebhook || msg.Payload.EventType != db.EventOpen || msg.JobID != 0 {
		t.Errorf("unexpected test message %+v", msg)
	}

	jobs, _ := e.store.ListJobs(context.Background(), e.tenant, db.JobFilter{})
	if len(jobs) != 0 {
		t.Errorf("test send created %d jobs", len(jobs))
	}

	e.sender.err = sender.Permanent(errors.New("endpoint returned 401"))
	if rec := e.do(t, http.MethodPost, "/v1/channels/"+channelID.String()+"/test", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("failed send = %d, want 502", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/v1/channels/"+uuid.NewString()+"/test", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown channel = %d, want 404", rec.Code)
	}
}

func TestListJobs_Validation(t *testing.T) {
	e := newTestEnv(t, Options{})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"bad status", "?status=done", http.StatusBadRequest},
		{"bad channel", "?channel_id=xyz", http.StatusBadRequest},
		{"empty ok", "?limit=9999", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, http.MethodGet, "/v1/jobs"+tt.query, nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := e.do(t, http.MethodGet, "/v1/jobs?limit=9999", nil)
	if body := decode[map[string]any](t, rec); body["limit"] != float64(maxLimit) {
		t.Errorf("limit = %v, want %d", body["limit"], maxLimit)
	}
}

func TestGetJob_BadID(t *testing.T) {
	e := newTestEnv(t, Options{})
	for _, id := range []string{"abc", "0", "-4"} {
		if rec := e.do(t, http.MethodGet, "/v1/jobs/"+id, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("GET /v1/jobs/%s = %d, want 400", id, rec.Code)
		}
	}
}

func TestListChannelLog(t *testing.T) {
	e := newTestEnv(t, Options{})
	channelID := e.seed(t)

	rec := e.do(t, http.MethodGet, "/v1/channels/"+channelID.String()+"/log", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["count"] != float64(0) {
		t.Errorf("count = %v, want 0", body["count"])
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Options{Health: func(ctx context.Context) error { return nil }})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthy = %d", rec.Code)
	}

	e = newTestEnv(t, Options{Health: func(ctx context.Context) error { return errors.New("db down") }})
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d, want 503", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["error"] != "db down" {
		t.Errorf("body = %v", body)
	}
}
