package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/sender"
)

// CreateChannelRequest is the body of POST /v1/channels.
type CreateChannelRequest struct {
	Name    string          `json:"name"`
	Type    channel.Type    `json:"channel_type"`
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"is_enabled,omitempty"`
}

// UpdateChannelRequest is the body of PATCH /v1/channels/{id}.
type UpdateChannelRequest struct {
	Enabled *bool `json:"is_enabled"`
}

// CreateChannel handles POST /v1/channels.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}

	ch := &db.Channel{
		TenantID:  tenantID,
		Name:      req.Name,
		Type:      req.Type,
		Config:    req.Config,
		IsEnabled: req.Enabled == nil || *req.Enabled,
	}
	if err := h.store.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, channel.ErrInvalidConfig) || errors.Is(err, channel.ErrUnknownType) {
			h.writeError(w, http.StatusBadRequest, "invalid_channel", "Invalid channel", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create channel", "")
		return
	}

	h.logger.Info("channel created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("channel_id", ch.ID.String()),
		zap.String("channel_type", string(ch.Type)),
	)

	// Channel configs carry credentials; they are never echoed back.
	ch.Config = nil
	h.writeJSON(w, http.StatusCreated, ch)
}

// UpdateChannel handles PATCH /v1/channels/{id}. Only is_enabled is mutable.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	channelID, ok := h.channelParam(w, r)
	if !ok {
		return
	}

	var req UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing is_enabled", "is_enabled is required")
		return
	}

	err := h.store.SetChannelEnabled(ctx, tenantID, channelID, *req.Enabled)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to update channel", zap.Error(err), zap.String("channel_id", channelID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update channel", "")
		return
	}

	h.logger.Info("channel updated",
		zap.String("channel_id", channelID.String()),
		zap.Bool("is_enabled", *req.Enabled),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":         channelID,
		"is_enabled": *req.Enabled,
	})
}

// TestChannel handles POST /v1/channels/{id}/test. It sends a synthetic
// notification straight through the sender without creating a job.
func (h *Handler) TestChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	channelID, ok := h.channelParam(w, r)
	if !ok {
		return
	}

	ch, err := h.store.GetChannel(ctx, tenantID, channelID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load channel", "")
		return
	}

	cfg, err := channel.Decode(ch.Type, ch.Config)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_channel", "Stored channel config is invalid", err.Error())
		return
	}
	if h.sender == nil || !h.sender.SupportsChannel(ch.Type) {
		h.writeError(w, http.StatusUnprocessableEntity, "unsupported_channel", "No sender for channel type", string(ch.Type))
		return
	}

	now := time.Now().UTC()
	msg := &sender.Message{
		TenantID:  tenantID,
		ChannelID: ch.ID,
		Config:    cfg,
		Payload: db.Payload{
			AlertID:     "test-" + uuid.NewString(),
			TenantID:    tenantID,
			Severity:    1,
			AlertType:   "test_notification",
			DeviceID:    "herald",
			Message:     "Test notification for channel " + ch.Name,
			TriggeredAt: now,
			EventType:   db.EventOpen,
			ChannelType: ch.Type,
		},
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.opts.TestTimeout)
	defer cancel()
	if err := h.sender.Send(sendCtx, msg); err != nil {
		h.logger.Warn("test notification failed",
			zap.Error(err),
			zap.String("channel_id", ch.ID.String()),
			zap.String("channel_type", string(ch.Type)),
		)
		h.writeError(w, http.StatusBadGateway, "delivery_failed", "Test notification failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": ch.ID,
		"delivered":  true,
		"alert_id":   msg.Payload.AlertID,
	})
}

// CreateRule handles POST /v1/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	var rule db.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	rule.ID = uuid.Nil
	rule.TenantID = tenantID
	rule.IsEnabled = true

	if err := db.ValidateRule(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_rule", "Invalid routing rule", err.Error())
		return
	}
	// The target channel must belong to the caller.
	if _, err := h.store.GetChannel(ctx, tenantID, rule.ChannelID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load channel", "")
		return
	}

	if err := h.store.CreateRule(ctx, &rule); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.logger.Error("failed to create rule", zap.Error(err), zap.String("tenant_id", tenantID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create rule", "")
		return
	}

	h.logger.Info("routing rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("channel_id", rule.ChannelID.String()),
	)

	h.writeJSON(w, http.StatusCreated, rule)
}
