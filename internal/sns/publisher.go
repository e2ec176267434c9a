// Package sns publishes paging notifications to SNS topics.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNS rejects subjects over 100 characters or containing anything but
// printable ASCII.
const maxSubject = 100

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message is the JSON page delivered to topic subscribers.
type Message struct {
	AlertID  string          `json:"alert_id"`
	TenantID string          `json:"tenant_id"`
	Event    string          `json:"event"`
	Severity int             `json:"severity"`
	Subject  string          `json:"subject"`
	Body     string          `json:"body"`
	DedupKey string          `json:"dedup_key"`
	Alert    json.RawMessage `json:"alert,omitempty"`
}

type Publisher struct {
	client publishAPI
}

// NewPublisher loads the default AWS credential chain. endpoint overrides the
// service URL, e.g. for LocalStack.
func NewPublisher(ctx context.Context, region, endpoint string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Publisher{client: sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})}, nil
}

// Publish sends msg to topicARN. Tenant, event and severity are attached as
// message attributes for subscription filter policies. FIFO topics get the
// tenant as message group and the dedup key plus event as deduplication id.
func (p *Publisher) Publish(ctx context.Context, topicARN string, msg Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant_id": attr("String", msg.TenantID),
			"event":     attr("String", msg.Event),
			"severity":  attr("Number", strconv.Itoa(msg.Severity)),
		},
	}
	if s := subject(msg.Subject); s != "" {
		in.Subject = aws.String(s)
	}
	if strings.HasSuffix(topicARN, ".fifo") {
		in.MessageGroupId = aws.String(msg.TenantID)
		in.MessageDeduplicationId = aws.String(msg.DedupKey + ":" + msg.Event)
	}

	out, err := p.client.Publish(ctx, in)
	if err != nil {
		return "", fmt.Errorf("sns publish to %s: %w", topicARN, err)
	}
	return aws.ToString(out.MessageId), nil
}

func attr(dataType, value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String(dataType), StringValue: aws.String(value)}
}

// subject maps s onto printable ASCII and truncates it to maxSubject.
func subject(s string) string {
	b := make([]byte, 0, min(len(s), maxSubject))
	for _, r := range s {
		if len(b) == maxSubject {
			break
		}
		if r < 0x20 || r > 0x7e {
			r = ' '
		}
		b = append(b, byte(r))
	}
	return strings.TrimSpace(string(b))
}
