package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"gopkg.in/gomail.v2"
)

// SMTPSettings configures an SMTP relay.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPTransport sends mail through an SMTP relay with gomail.
type SMTPTransport struct {
	dialer *gomail.Dialer
}

func NewSMTPTransport(cfg SMTPSettings) *SMTPTransport {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTPTransport{dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)}
}

// SendMail dials, sends and closes. gomail has no context support, so a cancelled
// ctx returns early while the dial finishes in the background.
func (t *SMTPTransport) SendMail(ctx context.Context, m *Mail) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Text)
	if m.HTML != "" {
		msg.AddAlternative("text/html", m.HTML)
	}

	done := make(chan error, 1)
	go func() { done <- t.dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// sesAPI is the subset of the SES client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESTransport sends mail through AWS SES.
type SESTransport struct {
	client sesAPI
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region string
}

func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESTransport{client: ses.NewFromConfig(awsCfg)}, nil
}

func (t *SESTransport) SendMail(ctx context.Context, m *Mail) error {
	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(m.Text),
			Charset: aws.String("UTF-8"),
		},
	}
	if m.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(m.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(m.From),
		Destination: &types.Destination{
			ToAddresses: m.To,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(m.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}
	return nil
}
