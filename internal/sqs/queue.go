// Package sqs carries alert lifecycle events from the API to the dispatch
// listener through an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ErrInvalidMessage marks a body that is not an alert event. Receive still
// returns the receipt handle so the message can be acked and dropped.
var ErrInvalidMessage = errors.New("invalid alert event message")

const (
	waitSeconds       = 20
	visibilitySeconds = 60
)

type Config struct {
	Region   string
	QueueURL string
	Endpoint string // LocalStack and friends
}

// Event is one queued alert lifecycle event.
type Event struct {
	TenantID   string    `json:"tenant_id"`
	Event      string    `json:"event"`
	Alert      db.Alert  `json:"alert"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue is both ends of the alert event queue.
type Queue struct {
	client client
	url    string
	logger *zap.Logger
	now    func() time.Time
}

func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	logger.Info("alert event queue configured", zap.String("queue_url", cfg.QueueURL))
	return newQueue(c, cfg.QueueURL, logger), nil
}

func newQueue(c client, url string, logger *zap.Logger) *Queue {
	return &Queue{client: c, url: url, logger: logger, now: time.Now}
}

// Enqueue publishes an event and returns the SQS message id. The event name
// and tenant also travel as message attributes for queue-side filtering.
func (q *Queue) Enqueue(ctx context.Context, alert *db.Alert, event string) (string, error) {
	body, err := json.Marshal(Event{
		TenantID:   alert.TenantID.String(),
		Event:      event,
		Alert:      *alert,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return "", err
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":     stringAttr(event),
			"tenant_id": stringAttr(alert.TenantID.String()),
		},
	})
	if err != nil {
		q.logger.Error("failed to enqueue alert event",
			zap.Error(err),
			zap.String("alert_id", alert.ID),
			zap.String("event", event),
		)
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// Receive long-polls for one event. An empty queue yields (nil, "", nil).
func (q *Queue) Receive(ctx context.Context) (*Event, string, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     waitSeconds,
		VisibilityTimeout:   visibilitySeconds,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, "", nil
	}

	m := out.Messages[0]
	handle := aws.ToString(m.ReceiptHandle)

	var ev Event
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &ev); err != nil {
		return nil, handle, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !db.ValidEvent(ev.Event) || ev.Alert.ID == "" {
		return nil, handle, fmt.Errorf("%w: event %q alert %q", ErrInvalidMessage, ev.Event, ev.Alert.ID)
	}
	return &ev, handle, nil
}

// Ack deletes a received message.
func (q *Queue) Ack(ctx context.Context, handle string) error {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(handle),
	}); err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
