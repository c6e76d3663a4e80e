package transport

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTP delivers mail through an SMTP relay.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTP creates an SMTP transport for the given relay and sender address.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	return &SMTP{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

func (s *SMTP) Name() string { return "smtp" }

// Send dials the relay and submits one message. The dial-and-send runs in a
// goroutine so the attempt honors ctx cancellation and timeouts even though
// gomail itself takes no context.
func (s *SMTP) Send(ctx context.Context, to, subject, html string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)

	d := gomail.NewDialer(s.host, s.port, s.username, s.password)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}
