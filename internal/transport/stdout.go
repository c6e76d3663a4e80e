package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stdout implements Transport by writing messages to standard output.
// Intended for development and debugging; messages are never actually delivered.
type Stdout struct {
	writer io.Writer
}

// NewStdout creates a Stdout transport that prints messages to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{writer: os.Stdout}
}

// NewStdoutWithWriter creates a Stdout transport writing to w. Used in tests.
func NewStdoutWithWriter(w io.Writer) *Stdout {
	return &Stdout{writer: w}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the message details and reports success.
func (s *Stdout) Send(_ context.Context, to, subject, html string) error {
	var b strings.Builder
	b.WriteString("--- stdout transport: message ---\n")
	fmt.Fprintf(&b, "To:      %s\n", to)
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "Body:    (%d bytes html)\n", len(html))
	b.WriteString("--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: write: %w", err)
	}
	return nil
}
