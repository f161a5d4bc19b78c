package notifier

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"

	"github.com/lmdm/labmonitor/pkg/types"
)

const sendRetries uint64 = 3

// Mailer delivers a single plain-text message. Swapped for a fake in tests.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through the lab's SMTP relay, retrying transient
// delivery failures with exponential backoff.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

func NewSMTPMailer(config types.SMTPConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}

	if config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &SMTPMailer{client: client, from: config.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()

	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender address <%s>: %w", m.from, err)
	}

	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address <%s>: %w", to, err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	op := func() error {
		return m.client.DialAndSendWithContext(ctx, msg)
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sendRetries), ctx)); err != nil {
		return errors.Wrapf(err, "failed to deliver mail to <%s>", to)
	}

	return nil
}
