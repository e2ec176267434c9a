package sender

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// SignatureHeader carries the HMAC-SHA256 of a generic webhook body.
const SignatureHeader = "X-Herald-Signature"

// WebhookConfig tunes the shared HTTP client.
type WebhookConfig struct {
	DefaultTimeout time.Duration
}

// WebhookSender posts to HTTP endpoints: chat, Teams and generic webhooks.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send posts the message in the wire format of its channel type.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	switch msg.ChannelType() {
	case channel.TypeChatWebhook:
		cfg, err := configAs[*channel.ChatWebhookConfig](msg)
		if err != nil {
			return err
		}
		return s.post(ctx, msg, http.MethodPost, cfg.URL, chatBody(cfg, msg), nil)

	case channel.TypeTeamsWebhook:
		cfg, err := configAs[*channel.TeamsWebhookConfig](msg)
		if err != nil {
			return err
		}
		return s.post(ctx, msg, http.MethodPost, cfg.URL, teamsBody(msg), nil)

	case channel.TypeGenericWebhook:
		cfg, err := configAs[*channel.GenericWebhookConfig](msg)
		if err != nil {
			return err
		}
		return s.sendGeneric(ctx, msg, cfg)
	}
	return Permanent(fmt.Errorf("webhook sender does not support %s", msg.ChannelType()))
}

// SupportsChannel checks if this sender supports the channel type
func (s *WebhookSender) SupportsChannel(t channel.Type) bool {
	return t == channel.TypeChatWebhook || t == channel.TypeTeamsWebhook || t == channel.TypeGenericWebhook
}

func chatBody(cfg *channel.ChatWebhookConfig, msg *Message) any {
	body := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", Title(msg.Payload), msg.Payload.Message),
	}
	if cfg.Username != "" {
		body["username"] = cfg.Username
	}
	if cfg.Channel != "" {
		body["channel"] = cfg.Channel
	}
	return body
}

func themeColor(severity int) string {
	switch {
	case severity >= 5:
		return "D0021B"
	case severity >= 3:
		return "F5A623"
	default:
		return "4A90E2"
	}
}

func teamsBody(msg *Message) any {
	facts := make([]map[string]string, 0, 8)
	for _, f := range Facts(msg.Payload) {
		facts = append(facts, map[string]string{"name": f[0], "value": f[1]})
	}
	title := Title(msg.Payload)
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": themeColor(msg.Payload.Severity),
		"summary":    title,
		"title":      title,
		"text":       msg.Payload.Message,
		"sections":   []map[string]any{{"facts": facts}},
	}
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (s *WebhookSender) sendGeneric(ctx context.Context, msg *Message, cfg *channel.GenericWebhookConfig) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode payload: %w", err))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Secret != "" {
		headers[SignatureHeader] = Sign(cfg.Secret, body)
	}

	return s.do(ctx, msg, method, cfg.URL, body, headers)
}

func (s *WebhookSender) post(ctx context.Context, msg *Message, method, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode body: %w", err))
	}
	return s.do(ctx, msg, method, url, body, headers)
}

func (s *WebhookSender) do(ctx context.Context, msg *Message, method, url string, body []byte, headers map[string]string) error {
	return doHTTP(ctx, s.client, s.logger, msg, method, url, body, headers)
}

// doHTTP sends body and treats anything but a 2xx response as a failure.
func doHTTP(ctx context.Context, client *http.Client, logger *zap.Logger, msg *Message, method, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	req.Header.Set("X-Herald-Job-ID", fmt.Sprintf("%d", msg.JobID))
	req.Header.Set("X-Herald-Tenant-ID", msg.TenantID.String())
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	logger.Info("webhook delivered",
		zap.Int64("job_id", msg.JobID),
		zap.String("channel_type", string(msg.ChannelType())),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
