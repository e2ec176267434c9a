package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sender"
)

// Store is the persistence surface the HTTP API needs.
type Store interface {
	dispatch.Store
	CreateChannel(ctx context.Context, ch *db.Channel) error
	GetChannel(ctx context.Context, tenantID, id uuid.UUID) (*db.Channel, error)
	SetChannelEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) error
	CreateRule(ctx context.Context, rule *db.RoutingRule) error
	GetJob(ctx context.Context, tenantID uuid.UUID, id int64) (*db.NotificationJob, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, filter db.JobFilter) ([]*db.NotificationJob, error)
	ListLogEntries(ctx context.Context, tenantID, channelID uuid.UUID, limit int) ([]*db.NotificationLogEntry, error)
}

// EventQueue hands alert events to the asynchronous listener. *sqs.Queue satisfies it.
type EventQueue interface {
	Enqueue(ctx context.Context, alert *db.Alert, event string) (string, error)
}

// Options carries the optional collaborators; nil fields disable the feature.
type Options struct {
	Idempotency *redis.IdempotencyService
	Queue       EventQueue
	Health      func(ctx context.Context) error
	Breakers    func() []circuitbreaker.Stats
	TestTimeout time.Duration
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AlertEventRequest is the body of POST /v1/alerts/events.
type AlertEventRequest struct {
	Alert db.Alert `json:"alert"`
	Event string   `json:"event"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      Store
	dispatcher *dispatch.Dispatcher
	sender     sender.Sender
	opts       Options
}

func NewHandler(logger *zap.Logger, store Store, dispatcher *dispatch.Dispatcher, s sender.Sender, opts Options) *Handler {
	if opts.TestTimeout == 0 {
		opts.TestTimeout = 15 * time.Second
	}
	return &Handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		sender:     s,
		opts:       opts,
	}
}

// PostAlertEvent handles POST /v1/alerts/events.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) PostAlertEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req AlertEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !db.ValidEvent(req.Event) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", "event must be OPEN, CLOSED or ACKNOWLEDGED")
		return
	}
	if req.Alert.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing alert_id", "alert.alert_id is required")
		return
	}
	if req.Alert.TenantID == uuid.Nil {
		req.Alert.TenantID = tenantID
	}
	if req.Alert.TenantID != tenantID {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Tenant mismatch", "alert.tenant_id does not match X-Tenant-ID")
		return
	}

	idem := h.opts.Idempotency
	if idem == nil {
		idempotencyKey = ""
	}
	if idempotencyKey != "" {
		stored, err := idem.Begin(ctx, tenantID.String(), idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency unavailable, processing without it",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case stored != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	status, body, err := h.acceptEvent(ctx, tenantID, &req)
	if err != nil {
		if idempotencyKey != "" {
			if err := idem.Abandon(ctx, tenantID.String(), idempotencyKey); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(err))
			}
		}
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue alert event", "")
		return
	}

	data := h.writeJSON(w, status, body)
	if idempotencyKey != "" {
		if err := idem.Complete(ctx, tenantID.String(), idempotencyKey, status, data); err != nil {
			h.logger.Warn("failed to store idempotent response",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}
}

// acceptEvent queues the event for the listener when a queue is configured and
// dispatches inline otherwise.
func (h *Handler) acceptEvent(ctx context.Context, tenantID uuid.UUID, req *AlertEventRequest) (int, any, error) {
	if h.opts.Queue != nil {
		msgID, err := h.opts.Queue.Enqueue(ctx, &req.Alert, req.Event)
		if err != nil {
			h.logger.Error("failed to enqueue alert event",
				zap.Error(err),
				zap.String("alert_id", req.Alert.ID),
			)
			return 0, nil, err
		}
		h.logger.Info("alert event enqueued",
			zap.String("alert_id", req.Alert.ID),
			zap.String("event", req.Event),
			zap.String("sqs_message_id", msgID),
		)
		return http.StatusAccepted, map[string]string{
			"status":     "queued",
			"message_id": msgID,
		}, nil
	}

	n := h.dispatcher.Dispatch(ctx, tenantID, &req.Alert, req.Event)
	return http.StatusOK, map[string]any{
		"alert_id":    req.Alert.ID,
		"event":       req.Event,
		"jobs_queued": n,
	}, nil
}

// ListJobs handles GET /v1/jobs?channel_id=&status=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)
	q := r.URL.Query()

	filter := db.JobFilter{Limit: parseLimit(q.Get("limit"))}
	if s := q.Get("channel_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel_id", "channel_id must be a valid UUID")
			return
		}
		filter.ChannelID = &id
	}
	if s := q.Get("status"); s != "" {
		if !db.ValidStatus(s) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: pending, processing, completed, failed")
			return
		}
		filter.Status = s
	}

	jobs, err := h.store.ListJobs(ctx, tenantID, filter)
	if err != nil {
		h.logger.Error("failed to list jobs",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list jobs", "")
		return
	}
	if jobs == nil {
		jobs = []*db.NotificationJob{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  jobs,
		"limit": filter.Limit,
		"count": len(jobs),
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a positive integer")
		return
	}

	job, err := h.store.GetJob(ctx, tenantID, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Error(err), zap.Int64("job_id", id))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// ListChannelLog handles GET /v1/channels/{id}/log?limit=
func (h *Handler) ListChannelLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	channelID, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))

	entries, err := h.store.ListLogEntries(ctx, tenantID, channelID, limit)
	if err != nil {
		h.logger.Error("failed to list notification log",
			zap.Error(err),
			zap.String("channel_id", channelID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notification log", "")
		return
	}
	if entries == nil {
		entries = []*db.NotificationLogEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"limit": limit,
		"count": len(entries),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
		}
	}
	if h.opts.Breakers != nil {
		var open []circuitbreaker.Stats
		for _, s := range h.opts.Breakers() {
			if s.State != circuitbreaker.StateClosed.String() {
				open = append(open, s)
			}
		}
		resp["open_breakers"] = open
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) channelParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func parseLimit(s string) int {
	if l, err := strconv.Atoi(s); err == nil && l > 0 {
		return min(l, maxLimit)
	}
	return defaultLimit
}

// writeJSON encodes body, writes it and returns the encoded bytes.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) []byte {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
	return buf.Bytes()
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
