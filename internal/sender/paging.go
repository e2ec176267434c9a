package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/sns"
)

// DefaultPagingURL is the PagerDuty Events API v2 endpoint.
const DefaultPagingURL = "https://events.pagerduty.com/v2/enqueue"

// TopicPublisher publishes a page to an SNS topic. *sns.Publisher satisfies it.
type TopicPublisher interface {
	Publish(ctx context.Context, topicARN string, msg sns.Message) (string, error)
}

// PagingSender raises, acknowledges and resolves incidents. Channels with a
// topic_arn page through SNS; the rest use the Events API v2 over HTTP.
type PagingSender struct {
	client    *http.Client
	publisher TopicPublisher
	logger    *zap.Logger
}

// NewPagingSender creates a paging sender. publisher may be nil when SNS is not
// configured, in which case topic channels fail permanently.
func NewPagingSender(logger *zap.Logger, publisher TopicPublisher, timeout time.Duration) *PagingSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &PagingSender{
		client:    &http.Client{Timeout: timeout},
		publisher: publisher,
		logger:    logger,
	}
}

func (s *PagingSender) SupportsChannel(t channel.Type) bool {
	return t == channel.TypePaging
}

func (s *PagingSender) Send(ctx context.Context, msg *Message) error {
	cfg, err := configAs[*channel.PagingConfig](msg)
	if err != nil {
		return err
	}
	if cfg.TopicARN != "" {
		return s.publish(ctx, msg, cfg.TopicARN)
	}

	url := cfg.URL
	if url == "" {
		url = DefaultPagingURL
	}
	body, err := json.Marshal(pagingEvent(cfg.RoutingKey, msg.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("encode paging event: %w", err))
	}
	return doHTTP(ctx, s.client, s.logger, msg, http.MethodPost, url, body, nil)
}

func (s *PagingSender) publish(ctx context.Context, msg *Message, topicARN string) error {
	if s.publisher == nil {
		return Permanent(errors.New("paging channel has topic_arn but SNS is not configured"))
	}

	alert, err := json.Marshal(msg.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode payload: %w", err))
	}
	id, err := s.publisher.Publish(ctx, topicARN, sns.Message{
		AlertID:  msg.Payload.AlertID,
		TenantID: msg.TenantID.String(),
		Event:    msg.Payload.EventType,
		Severity: msg.Payload.Severity,
		Subject:  Title(msg.Payload),
		Body:     Body(msg.Payload),
		DedupKey: msg.Payload.AlertID,
		Alert:    alert,
	})
	if err != nil {
		return err
	}

	s.logger.Info("page published via SNS",
		zap.Int64("job_id", msg.JobID),
		zap.String("message_id", id),
	)
	return nil
}

func eventAction(event string) string {
	switch event {
	case db.EventClosed:
		return "resolve"
	case db.EventAcknowledged:
		return "acknowledge"
	default:
		return "trigger"
	}
}

func pagingSeverity(severity int) string {
	switch {
	case severity >= 5:
		return "critical"
	case severity == 4:
		return "error"
	case severity >= 2:
		return "warning"
	default:
		return "info"
	}
}

// pagingEvent builds an Events API v2 body. Only triggers carry a payload; the
// alert id is the dedup key so acknowledge and resolve hit the same incident.
func pagingEvent(routingKey string, p db.Payload) map[string]any {
	action := eventAction(p.EventType)
	ev := map[string]any{
		"routing_key":  routingKey,
		"event_action": action,
		"dedup_key":    p.AlertID,
	}
	if action != "trigger" {
		return ev
	}

	details := map[string]any{
		"alert_id":   p.AlertID,
		"alert_type": p.AlertType,
		"severity":   p.Severity,
		"site_id":    p.SiteID,
	}
	if len(p.DeviceTags) > 0 {
		details["device_tags"] = p.DeviceTags
	}
	if len(p.Details) > 0 {
		details["details"] = p.Details
	}

	payload := map[string]any{
		"summary":        db.Truncate(Title(p) + ": " + p.Message),
		"source":         p.DeviceID,
		"severity":       pagingSeverity(p.Severity),
		"class":          p.AlertType,
		"group":          p.SiteID,
		"custom_details": details,
	}
	if !p.TriggeredAt.IsZero() {
		payload["timestamp"] = p.TriggeredAt.UTC().Format(time.RFC3339)
	}
	ev["payload"] = payload
	return ev
}
