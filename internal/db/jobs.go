package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const jobColumns = `id, tenant_id, alert_id, channel_id, rule_id, deliver_on_event,
	status, attempts, next_run_at, last_error, payload, locked_by, locked_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*NotificationJob, error) {
	var job NotificationJob
	var payload []byte
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.AlertID,
		&job.ChannelID,
		&job.RuleID,
		&job.DeliverOnEvent,
		&job.Status,
		&job.Attempts,
		&job.NextRunAt,
		&job.LastError,
		&payload,
		&job.LockedBy,
		&job.LockedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for job %d: %w", job.ID, err)
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*NotificationJob, error) {
	defer rows.Close()

	var jobs []*NotificationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// InsertJob enqueues a pending job. It reports false without error when a job for
// the same (tenant, alert, channel, event) already exists.
func (r *Repository) InsertJob(ctx context.Context, job *NotificationJob) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	query := `
		INSERT INTO notification_jobs (
			tenant_id, alert_id, channel_id, rule_id, deliver_on_event,
			status, attempts, next_run_at, payload
		) VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW(), $6)
		ON CONFLICT (tenant_id, alert_id, channel_id, deliver_on_event) DO NOTHING
		RETURNING id, status, attempts, next_run_at, created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		job.TenantID,
		job.AlertID,
		job.ChannelID,
		job.RuleID,
		job.DeliverOnEvent,
		payload,
	).Scan(&job.ID, &job.Status, &job.Attempts, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return true, nil
}

// ClaimDueJobs atomically moves up to limit due pending jobs to processing under
// workerID. Rows locked by a concurrent claimer are skipped, never waited on.
func (r *Repository) ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]*NotificationJob, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE notification_jobs
		SET status = 'processing', locked_by = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE status = 'pending' AND next_run_at <= NOW()
			ORDER BY next_run_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := tx.Query(ctx, query, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return jobs, nil
}

// CompleteJob marks a held job completed and appends a successful log entry.
func (r *Repository) CompleteJob(ctx context.Context, job *NotificationJob, workerID string) error {
	return r.finish(ctx, job, workerID, StatusCompleted, job.Attempts, nil)
}

// FailJob marks a held job permanently failed and appends a failed log entry.
func (r *Repository) FailJob(ctx context.Context, job *NotificationJob, workerID string, attempts int, lastError string) error {
	msg := Truncate(lastError)
	return r.finish(ctx, job, workerID, StatusFailed, attempts, &msg)
}

func (r *Repository) finish(ctx context.Context, job *NotificationJob, workerID, status string, attempts int, lastError *string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateQuery := `
		UPDATE notification_jobs
		SET status = $1, attempts = $2, last_error = $3,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $4 AND status = 'processing' AND locked_by = $5
	`
	result, err := tx.Exec(ctx, updateQuery, status, attempts, lastError, job.ID, workerID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", job.ID, ErrLeaseLost)
	}

	logQuery := `
		INSERT INTO notification_log (tenant_id, channel_id, alert_id, job_id, success, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.Exec(ctx, logQuery, job.TenantID, job.ChannelID, job.AlertID, job.ID, status == StatusCompleted, lastError)
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("job finished",
		zap.Int64("job_id", job.ID),
		zap.String("status", status),
		zap.Int("attempts", attempts),
	)
	return nil
}

// RetryJob returns a held job to pending with an incremented attempt count.
func (r *Repository) RetryJob(ctx context.Context, job *NotificationJob, workerID string, attempts int, lastError string, nextRunAt time.Time) error {
	msg := Truncate(lastError)
	return r.release(ctx, job.ID, workerID, attempts, &msg, nextRunAt)
}

// DeferJob returns a held job to pending without counting an attempt.
func (r *Repository) DeferJob(ctx context.Context, job *NotificationJob, workerID string, nextRunAt time.Time) error {
	return r.release(ctx, job.ID, workerID, job.Attempts, job.LastError, nextRunAt)
}

func (r *Repository) release(ctx context.Context, id int64, workerID string, attempts int, lastError *string, nextRunAt time.Time) error {
	query := `
		UPDATE notification_jobs
		SET status = 'pending', attempts = $1, last_error = $2, next_run_at = $3,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $4 AND status = 'processing' AND locked_by = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, attempts, lastError, nextRunAt, id, workerID)
	if err != nil {
		r.logger.Error("failed to release job",
			zap.Error(err),
			zap.Int64("job_id", id),
		)
		return fmt.Errorf("release job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", id, ErrLeaseLost)
	}
	return nil
}

// ReapStaleJobs recovers jobs whose processing lease is older than leaseTimeout.
// Each recovered job counts one attempt; jobs reaching maxAttempts fail terminally.
func (r *Repository) ReapStaleJobs(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (ReapResult, error) {
	var res ReapResult

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE notification_jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    last_error = $3, next_run_at = NOW(),
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE status = 'processing' AND locked_at < NOW() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, channel_id, alert_id, status
	`

	rows, err := tx.Query(ctx, query, leaseTimeout.Seconds(), maxAttempts, reapError)
	if err != nil {
		return res, fmt.Errorf("reap jobs: %w", err)
	}

	type reaped struct {
		id        int64
		tenantID  uuid.UUID
		channelID uuid.UUID
		alertID   string
		status    string
	}
	var failed []reaped
	for rows.Next() {
		var j reaped
		if err := rows.Scan(&j.id, &j.tenantID, &j.channelID, &j.alertID, &j.status); err != nil {
			rows.Close()
			return res, fmt.Errorf("scan reaped job: %w", err)
		}
		if j.status == StatusFailed {
			failed = append(failed, j)
			res.Failed++
		} else {
			res.Requeued++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate rows: %w", err)
	}

	for _, j := range failed {
		_, err := tx.Exec(ctx, `
			INSERT INTO notification_log (tenant_id, channel_id, alert_id, job_id, success, error_msg)
			VALUES ($1, $2, $3, $4, FALSE, $5)
		`, j.tenantID, j.channelID, j.alertID, j.id, reapError)
		if err != nil {
			return ReapResult{}, fmt.Errorf("insert notification log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReapResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

const reapError = "lease expired"

// GetJob retrieves a job by ID within a tenant.
func (r *Repository) GetJob(ctx context.Context, tenantID uuid.UUID, id int64) (*NotificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE tenant_id = $1 AND id = $2`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs returns the tenant's delivery history, newest first.
func (r *Repository) ListJobs(ctx context.Context, tenantID uuid.UUID, filter JobFilter) ([]*NotificationJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR channel_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, filter.ChannelID, filter.Status, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectJobs(rows)
}
