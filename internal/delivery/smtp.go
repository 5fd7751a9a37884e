package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	mail "github.com/wneessen/go-mail"
)

// SMTPOptions configure the SMTP transport.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPTransport delivers email through an SMTP relay.
type SMTPTransport struct {
	client *mail.Client
	from   string
	logger zerolog.Logger
}

// NewSMTPTransport constructs an SMTP transport.
func NewSMTPTransport(opts SMTPOptions, logger zerolog.Logger) (*SMTPTransport, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	clientOpts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTimeout(opts.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}

	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	return &SMTPTransport{
		client: client,
		from:   opts.From,
		logger: logger.With().Str("component", "smtp_transport").Logger(),
	}, nil
}

// Send delivers one message. Address validation failures and non-temporary
// SMTP rejections are permanent; everything else is transient.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(t.from); err != nil {
		return Permanent(fmt.Errorf("invalid sender %q: %w", t.from, err))
	}
	if err := msg.To(to); err != nil {
		return Permanent(fmt.Errorf("invalid recipient %q: %w", to, err))
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	if err := t.client.DialAndSendWithContext(ctx, msg); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			return Permanent(err)
		}
		return Transient(err)
	}

	t.logger.Debug().Str("to", to).Msg("email delivered")
	return nil
}

var _ EmailTransport = (*SMTPTransport)(nil)
