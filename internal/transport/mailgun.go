package transport

import (
	"context"
	"fmt"

	mg "github.com/mailgun/mailgun-go/v4"
)

// Mailgun delivers mail through the Mailgun HTTP API.
type Mailgun struct {
	client *mg.MailgunImpl
	from   string
}

// NewMailgun creates a Mailgun transport for the given sending domain.
func NewMailgun(domain, apiKey, from string) *Mailgun {
	return &Mailgun{
		client: mg.NewMailgun(domain, apiKey),
		from:   from,
	}
}

func (m *Mailgun) Name() string { return "mailgun" }

// Send submits one message to the Mailgun API. The caller's ctx bounds the
// API call.
func (m *Mailgun) Send(ctx context.Context, to, subject, html string) error {
	msg := m.client.NewMessage(m.from, subject, "", to)
	msg.SetHtml(html)

	_, _, err := m.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	return nil
}
