// Package transport defines the outbound mail boundary. Implementations are
// treated as untrusted, rate-limited network dependencies; every retry
// decision lives in the queue processor, never here.
package transport

import "context"

// Transport sends one rendered email. An error return counts as one failed
// delivery attempt; implementations must not retry internally.
type Transport interface {
	Send(ctx context.Context, to, subject, html string) error
	// Name returns the transport's identifier (e.g., "smtp", "mailgun").
	Name() string
}
