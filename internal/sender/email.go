package sender

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
)

// Mail is a rendered email ready for transmission.
type Mail struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// MailTransport transmits a rendered email: SMTP, SES or a test fake.
type MailTransport interface {
	SendMail(ctx context.Context, m *Mail) error
}

// EmailSender renders alert emails and hands them to a MailTransport. A channel
// with its own smtp block gets a dedicated SMTP transport.
type EmailSender struct {
	transport MailTransport
	from      string
	perSMTP   func(cfg *channel.SMTPConfig) MailTransport
	logger    *zap.Logger
}

// NewEmailSender creates an email sender. transport may be nil when no
// process-wide transport is configured; only channels with an smtp block work then.
func NewEmailSender(logger *zap.Logger, transport MailTransport, from string) *EmailSender {
	return &EmailSender{
		transport: transport,
		from:      from,
		perSMTP: func(cfg *channel.SMTPConfig) MailTransport {
			return NewSMTPTransport(SMTPSettings{
				Host:     cfg.Host,
				Port:     cfg.Port,
				Username: cfg.Username,
				Password: cfg.Password,
			})
		},
		logger: logger,
	}
}

func (s *EmailSender) SupportsChannel(t channel.Type) bool {
	return t == channel.TypeEmail
}

func (s *EmailSender) Send(ctx context.Context, msg *Message) error {
	cfg, err := configAs[*channel.EmailConfig](msg)
	if err != nil {
		return err
	}

	transport := s.transport
	from := s.from
	if cfg.SMTP != nil {
		transport = s.perSMTP(cfg.SMTP)
		if cfg.SMTP.From != "" {
			from = cfg.SMTP.From
		}
	}
	if transport == nil {
		return Permanent(errors.New("no mail transport configured"))
	}
	if from == "" {
		return Permanent(errors.New("no sender address configured"))
	}

	mail := RenderMail(cfg, msg)
	mail.From = from
	if err := transport.SendMail(ctx, mail); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info("email sent",
		zap.Int64("job_id", msg.JobID),
		zap.Strings("to", cfg.To),
	)
	return nil
}

// RenderMail builds subject and bodies for an alert email.
func RenderMail(cfg *channel.EmailConfig, msg *Message) *Mail {
	subject := Title(msg.Payload)
	if cfg.SubjectPrefix != "" {
		subject = strings.TrimSpace(cfg.SubjectPrefix) + " " + subject
	}

	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(html.EscapeString(msg.Payload.Message))
	b.WriteString("</p><table>")
	for _, f := range Facts(msg.Payload) {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td>%s</td></tr>", html.EscapeString(f[0]), html.EscapeString(f[1]))
	}
	b.WriteString("</table>")

	return &Mail{
		To:      append([]string(nil), cfg.To...),
		Subject: subject,
		Text:    Body(msg.Payload),
		HTML:    b.String(),
	}
}
