package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// MQTTSender publishes the payload snapshot as JSON to a broker topic.
// Each send uses its own short-lived connection.
type MQTTSender struct {
	connectTimeout time.Duration
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	logger         *zap.Logger
}

func NewMQTTSender(logger *zap.Logger, connectTimeout time.Duration) *MQTTSender {
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	return &MQTTSender{
		connectTimeout: connectTimeout,
		newClient:      mqtt.NewClient,
		logger:         logger,
	}
}

func (s *MQTTSender) SupportsChannel(t channel.Type) bool {
	return t == channel.TypeMQTTPublish
}

func (s *MQTTSender) Send(ctx context.Context, msg *Message) error {
	cfg, err := configAs[*channel.MQTTConfig](msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode payload: %w", err))
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("herald-%d", msg.JobID)
	}

	timeout := s.connectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := s.newClient(opts)
	if err := wait(ctx, client.Connect(), timeout); err != nil {
		// Stops a connect attempt still in flight after a timeout or cancel.
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	defer client.Disconnect(250)

	if err := wait(ctx, client.Publish(cfg.Topic, cfg.QoS, cfg.Retain, body), timeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", cfg.Topic, err)
	}

	s.logger.Info("mqtt message published",
		zap.Int64("job_id", msg.JobID),
		zap.String("topic", cfg.Topic),
		zap.Uint8("qos", cfg.QoS),
	)
	return nil
}

var errMQTTTimeout = errors.New("timed out")

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errMQTTTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
