package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// Repository handles database operations for channels, rules, jobs and the
// notification log. Every tenant-facing query is scoped by tenant_id.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const channelColumns = `id, tenant_id, name, channel_type, config, is_enabled, created_at, updated_at`

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	var chType string
	var config []byte
	err := row.Scan(
		&ch.ID,
		&ch.TenantID,
		&ch.Name,
		&chType,
		&config,
		&ch.IsEnabled,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ch.Type = channel.Type(chType)
	ch.Config = config
	return &ch, nil
}

// CreateChannel validates the config for the channel type and inserts it.
func (r *Repository) CreateChannel(ctx context.Context, ch *Channel) error {
	if _, err := channel.Decode(ch.Type, ch.Config); err != nil {
		return err
	}
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}

	query := `
		INSERT INTO channels (id, tenant_id, name, channel_type, config, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ch.ID,
		ch.TenantID,
		ch.Name,
		string(ch.Type),
		[]byte(ch.Config),
		ch.IsEnabled,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create channel",
			zap.Error(err),
			zap.String("tenant_id", ch.TenantID.String()),
			zap.String("channel_type", string(ch.Type)),
		)
		return fmt.Errorf("insert channel: %w", err)
	}

	r.logger.Info("channel created",
		zap.String("channel_id", ch.ID.String()),
		zap.String("tenant_id", ch.TenantID.String()),
		zap.String("channel_type", string(ch.Type)),
	)
	return nil
}

// GetChannel retrieves a channel by ID within a tenant
func (r *Repository) GetChannel(ctx context.Context, tenantID, id uuid.UUID) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE tenant_id = $1 AND id = $2`

	ch, err := scanChannel(r.db.Pool().QueryRow(ctx, query, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns every channel of a tenant, enabled or not.
func (r *Repository) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE tenant_id = $1 ORDER BY created_at`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return channels, nil
}

// SetChannelEnabled enables or disables a channel.
func (r *Repository) SetChannelEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) error {
	query := `UPDATE channels SET is_enabled = $1, updated_at = NOW() WHERE tenant_id = $2 AND id = $3`

	result, err := r.db.Pool().Exec(ctx, query, enabled, tenantID, id)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	r.logger.Info("channel updated",
		zap.String("channel_id", id.String()),
		zap.Bool("is_enabled", enabled),
	)
	return nil
}

const ruleColumns = `id, tenant_id, channel_id, name, min_severity, alert_type,
	device_tag_key, device_tag_val, site_ids, device_prefixes, deliver_on,
	throttle_minutes, priority, is_enabled, created_at, updated_at`

func scanRule(row pgx.Row) (*RoutingRule, error) {
	var rule RoutingRule
	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.ChannelID,
		&rule.Name,
		&rule.MinSeverity,
		&rule.AlertType,
		&rule.DeviceTagKey,
		&rule.DeviceTagVal,
		&rule.SiteIDs,
		&rule.DevicePrefixes,
		&rule.DeliverOn,
		&rule.ThrottleMinutes,
		&rule.Priority,
		&rule.IsEnabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ValidateRule checks the invariants a rule must satisfy before it is stored.
func ValidateRule(rule *RoutingRule) error {
	if len(rule.DeliverOn) == 0 {
		return errors.New("deliver_on must not be empty")
	}
	for _, e := range rule.DeliverOn {
		if !ValidEvent(e) {
			return fmt.Errorf("deliver_on: unknown event %q", e)
		}
	}
	if rule.ThrottleMinutes < 0 {
		return errors.New("throttle_minutes must be >= 0")
	}
	if (rule.DeviceTagKey == nil) != (rule.DeviceTagVal == nil) {
		return errors.New("device_tag_key and device_tag_val must be set together")
	}
	if rule.ChannelID == uuid.Nil {
		return errors.New("channel_id is required")
	}
	return nil
}

// CreateRule inserts a routing rule. The channel must belong to the same tenant.
func (r *Repository) CreateRule(ctx context.Context, rule *RoutingRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	query := `
		INSERT INTO routing_rules (
			id, tenant_id, channel_id, name, min_severity, alert_type,
			device_tag_key, device_tag_val, site_ids, device_prefixes, deliver_on,
			throttle_minutes, priority, is_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.ChannelID,
		rule.Name,
		rule.MinSeverity,
		rule.AlertType,
		rule.DeviceTagKey,
		rule.DeviceTagVal,
		rule.SiteIDs,
		rule.DevicePrefixes,
		rule.DeliverOn,
		rule.ThrottleMinutes,
		rule.Priority,
		rule.IsEnabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create routing rule",
			zap.Error(err),
			zap.String("tenant_id", rule.TenantID.String()),
			zap.String("channel_id", rule.ChannelID.String()),
		)
		return fmt.Errorf("insert routing rule: %w", err)
	}

	r.logger.Info("routing rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("channel_id", rule.ChannelID.String()),
	)
	return nil
}

// ListEnabledRules returns the tenant's enabled rules ordered by priority, then id.
func (r *Repository) ListEnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*RoutingRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM routing_rules
		WHERE tenant_id = $1 AND is_enabled
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []*RoutingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rules, nil
}
