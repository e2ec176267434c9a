package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HasRecentSuccessLog reports whether a successful delivery of alertID on channelID
// was logged at or after since.
func (r *Repository) HasRecentSuccessLog(ctx context.Context, tenantID, channelID uuid.UUID, alertID string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE tenant_id = $1 AND channel_id = $2 AND alert_id = $3
			  AND success AND sent_at >= $4
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, tenantID, channelID, alertID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("query notification log: %w", err)
	}
	return exists, nil
}

// ListLogEntries returns a channel's delivery outcomes, newest first.
func (r *Repository) ListLogEntries(ctx context.Context, tenantID, channelID uuid.UUID, limit int) ([]*NotificationLogEntry, error) {
	query := `
		SELECT id, tenant_id, channel_id, alert_id, job_id, success, error_msg, sent_at
		FROM notification_log
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY sent_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	var entries []*NotificationLogEntry
	for rows.Next() {
		var e NotificationLogEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ChannelID, &e.AlertID, &e.JobID, &e.Success, &e.ErrorMsg, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
