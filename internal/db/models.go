package db

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/channel"
)

// Job status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Alert lifecycle events a rule can react to
const (
	EventOpen         = "OPEN"
	EventClosed       = "CLOSED"
	EventAcknowledged = "ACKNOWLEDGED"
)

// ValidEvent reports whether e is a known outcome event.
func ValidEvent(e string) bool {
	return e == EventOpen || e == EventClosed || e == EventAcknowledged
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// MaxErrorLength bounds last_error and error_msg.
const MaxErrorLength = 1024

var (
	// ErrNotFound is returned when a row does not exist for the caller's tenant.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a job transition is attempted by a worker that
	// no longer holds the job.
	ErrLeaseLost = errors.New("job lease lost")
)

// Channel is a configured notification destination.
type Channel struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Name      string          `json:"name"`
	Type      channel.Type    `json:"channel_type"`
	Config    json.RawMessage `json:"config"`
	IsEnabled bool            `json:"is_enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RoutingRule binds alert filters to exactly one channel.
// Nil pointers and empty slices are wildcards.
type RoutingRule struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	ChannelID       uuid.UUID `json:"channel_id"`
	Name            string    `json:"name"`
	MinSeverity     *int      `json:"min_severity,omitempty"`
	AlertType       *string   `json:"alert_type,omitempty"`
	DeviceTagKey    *string   `json:"device_tag_key,omitempty"`
	DeviceTagVal    *string   `json:"device_tag_val,omitempty"`
	SiteIDs         []string  `json:"site_ids,omitempty"`
	DevicePrefixes  []string  `json:"device_prefixes,omitempty"`
	DeliverOn       []string  `json:"deliver_on"`
	ThrottleMinutes int       `json:"throttle_minutes"`
	Priority        int       `json:"priority"`
	IsEnabled       bool      `json:"is_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Alert is an immutable snapshot of a fired alert, produced by the evaluator.
type Alert struct {
	ID          string            `json:"alert_id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	Severity    int               `json:"severity"`
	AlertType   string            `json:"alert_type"`
	DeviceID    string            `json:"device_id"`
	SiteID      string            `json:"site_id"`
	Message     string            `json:"message"`
	Details     json.RawMessage   `json:"details,omitempty"`
	DeviceTags  map[string]string `json:"device_tags,omitempty"`
	TriggeredAt time.Time         `json:"triggered_at"`
}

// Payload is the snapshot stored on a job at enqueue time. Delivery never re-reads
// the alert.
type Payload struct {
	AlertID     string            `json:"alert_id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	Severity    int               `json:"severity"`
	AlertType   string            `json:"alert_type"`
	DeviceID    string            `json:"device_id"`
	SiteID      string            `json:"site_id"`
	Message     string            `json:"message"`
	Details     json.RawMessage   `json:"details,omitempty"`
	DeviceTags  map[string]string `json:"device_tags,omitempty"`
	TriggeredAt time.Time         `json:"triggered_at"`
	EventType   string            `json:"event_type"`
	ChannelType channel.Type      `json:"channel_type"`
}

// NewPayload snapshots alert for delivery on a channel of type ct.
func NewPayload(alert *Alert, event string, ct channel.Type) Payload {
	p := Payload{
		AlertID:     alert.ID,
		TenantID:    alert.TenantID,
		Severity:    alert.Severity,
		AlertType:   alert.AlertType,
		DeviceID:    alert.DeviceID,
		SiteID:      alert.SiteID,
		Message:     alert.Message,
		TriggeredAt: alert.TriggeredAt,
		EventType:   event,
		ChannelType: ct,
	}
	if len(alert.Details) > 0 {
		p.Details = append(json.RawMessage(nil), alert.Details...)
	}
	if len(alert.DeviceTags) > 0 {
		p.DeviceTags = make(map[string]string, len(alert.DeviceTags))
		for k, v := range alert.DeviceTags {
			p.DeviceTags[k] = v
		}
	}
	return p
}

// NotificationJob is one durable unit of delivery work.
type NotificationJob struct {
	ID             int64      `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	AlertID        string     `json:"alert_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	RuleID         *uuid.UUID `json:"rule_id,omitempty"`
	DeliverOnEvent string     `json:"deliver_on_event"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastError      *string    `json:"last_error,omitempty"`
	Payload        Payload    `json:"payload"`
	LockedBy       *string    `json:"locked_by,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NotificationLogEntry records a terminal job outcome.
type NotificationLogEntry struct {
	ID        int64     `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	AlertID   string    `json:"alert_id"`
	JobID     int64     `json:"job_id"`
	Success   bool      `json:"success"`
	ErrorMsg  *string   `json:"error_msg,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// JobFilter narrows the delivery history query.
type JobFilter struct {
	ChannelID *uuid.UUID
	Status    string
	Limit     int
}

// ReapResult reports what a stale-lease sweep did.
type ReapResult struct {
	Requeued int
	Failed   int
}

// Truncate bounds an error message to MaxErrorLength bytes.
func Truncate(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return strings.ToValidUTF8(msg[:MaxErrorLength], "")
}
