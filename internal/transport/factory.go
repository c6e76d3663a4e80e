package transport

import (
	"fmt"

	"github.com/willowcart/mailroom/internal/config"
)

// FromConfig builds the transport selected by cfg.Type.
func FromConfig(cfg config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "smtp":
		return NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.From), nil
	case "mailgun":
		if cfg.Mailgun.Domain == "" || cfg.Mailgun.APIKey == "" {
			return nil, fmt.Errorf("mailgun transport requires domain and api_key")
		}
		return NewMailgun(cfg.Mailgun.Domain, cfg.Mailgun.APIKey, cfg.From), nil
	case "stdout":
		return NewStdout(), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}
