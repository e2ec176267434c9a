// Package channel defines the notification channel types and their strongly-typed
// configuration shapes. A stored channel carries its type tag plus an opaque JSON
// config blob; Decode turns that pair into the matching Config variant.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies a channel integration.
type Type string

const (
	TypeChatWebhook    Type = "chat-webhook"
	TypePaging         Type = "paging"
	TypeTeamsWebhook   Type = "teams-webhook"
	TypeGenericWebhook Type = "generic-webhook"
	TypeEmail          Type = "email"
	TypeSNMPTrap       Type = "snmp-trap"
	TypeMQTTPublish    Type = "mqtt-publish"
)

// ValidTypes returns all supported channel types.
func ValidTypes() []Type {
	return []Type{
		TypeChatWebhook,
		TypePaging,
		TypeTeamsWebhook,
		TypeGenericWebhook,
		TypeEmail,
		TypeSNMPTrap,
		TypeMQTTPublish,
	}
}

// Valid reports whether t is a known channel type.
func (t Type) Valid() bool {
	for _, v := range ValidTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// ErrUnknownType is returned when a channel type is not in the fixed enumeration.
var ErrUnknownType = errors.New("unknown channel type")

// ErrInvalidConfig wraps every config validation failure.
var ErrInvalidConfig = errors.New("invalid channel config")

// Config is implemented by every per-type configuration.
type Config interface {
	Type() Type
	Validate() error
}

// Decode parses raw into the config variant for t and validates required keys.
func Decode(t Type, raw json.RawMessage) (Config, error) {
	var cfg Config
	switch t {
	case TypeChatWebhook:
		cfg = &ChatWebhookConfig{}
	case TypePaging:
		cfg = &PagingConfig{}
	case TypeTeamsWebhook:
		cfg = &TeamsWebhookConfig{}
	case TypeGenericWebhook:
		cfg = &GenericWebhookConfig{}
	case TypeEmail:
		cfg = &EmailConfig{}
	case TypeSNMPTrap:
		cfg = &SNMPTrapConfig{}
	case TypeMQTTPublish:
		cfg = &MQTTConfig{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func missing(t Type, keys ...string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidConfig, t, strings.Join(keys, " or "))
}

// ChatWebhookConfig posts Slack-compatible messages.
type ChatWebhookConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

func (c *ChatWebhookConfig) Type() Type { return TypeChatWebhook }

func (c *ChatWebhookConfig) Validate() error {
	if c.URL == "" {
		return missing(TypeChatWebhook, "url")
	}
	return nil
}

// TeamsWebhookConfig posts MessageCard payloads to a Teams incoming webhook.
type TeamsWebhookConfig struct {
	URL string `json:"url"`
}

func (c *TeamsWebhookConfig) Type() Type { return TypeTeamsWebhook }

func (c *TeamsWebhookConfig) Validate() error {
	if c.URL == "" {
		return missing(TypeTeamsWebhook, "url")
	}
	return nil
}

// GenericWebhookConfig sends the raw payload snapshot to an arbitrary endpoint.
type GenericWebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // POST, PUT, PATCH. Defaults to POST
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"` // HMAC-SHA256 key for X-Herald-Signature
	Timeout int               `json:"timeout_sec,omitempty"`
}

func (c *GenericWebhookConfig) Type() Type { return TypeGenericWebhook }

func (c *GenericWebhookConfig) Validate() error {
	if c.URL == "" {
		return missing(TypeGenericWebhook, "url")
	}
	switch strings.ToUpper(c.Method) {
	case "", "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("%w: generic-webhook method not supported: %s (only POST, PUT, PATCH)", ErrInvalidConfig, c.Method)
	}
	return nil
}

// PagingConfig targets a PagerDuty-compatible events API, or an SNS topic when
// TopicARN is set.
type PagingConfig struct {
	RoutingKey string `json:"routing_key,omitempty"`
	URL        string `json:"url,omitempty"`
	TopicARN   string `json:"topic_arn,omitempty"`
}

func (c *PagingConfig) Type() Type { return TypePaging }

func (c *PagingConfig) Validate() error {
	if c.RoutingKey == "" && c.TopicARN == "" {
		return missing(TypePaging, "routing_key", "topic_arn")
	}
	return nil
}

// EmailConfig lists recipients. SMTP overrides the process-wide SMTP settings.
type EmailConfig struct {
	To            []string    `json:"to"`
	SubjectPrefix string      `json:"subject_prefix,omitempty"`
	SMTP          *SMTPConfig `json:"smtp,omitempty"`
}

// SMTPConfig is a per-channel SMTP block.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

func (c *EmailConfig) Type() Type { return TypeEmail }

func (c *EmailConfig) Validate() error {
	if len(c.To) == 0 {
		return missing(TypeEmail, "to")
	}
	if c.SMTP != nil && c.SMTP.Host == "" {
		return missing(TypeEmail, "smtp.host")
	}
	return nil
}

// SNMPTrapConfig describes a trap receiver.
type SNMPTrapConfig struct {
	Host       string `json:"host"`
	Port       uint16 `json:"port,omitempty"`      // default 162
	Community  string `json:"community,omitempty"` // default "public"
	Version    string `json:"version,omitempty"`   // v1 or v2c, default v2c
	Enterprise string `json:"enterprise_oid,omitempty"`
}

func (c *SNMPTrapConfig) Type() Type { return TypeSNMPTrap }

func (c *SNMPTrapConfig) Validate() error {
	if c.Host == "" {
		return missing(TypeSNMPTrap, "host")
	}
	switch c.Version {
	case "", "v1", "1", "v2c", "2c":
	default:
		return fmt.Errorf("%w: snmp-trap version not supported: %s", ErrInvalidConfig, c.Version)
	}
	return nil
}

// MQTTConfig describes a broker and topic to publish to.
type MQTTConfig struct {
	Broker   string `json:"broker"` // tcp://host:1883
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos,omitempty"`
	Retain   bool   `json:"retain,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (c *MQTTConfig) Type() Type { return TypeMQTTPublish }

func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return missing(TypeMQTTPublish, "broker")
	}
	if c.Topic == "" {
		return missing(TypeMQTTPublish, "topic")
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: mqtt-publish qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	return nil
}
