package mailer

import (
	"errors"
	"fmt"
)

// ErrTemplateNotFound is returned by Enqueue when the named template does
// not exist. Nothing is persisted.
var ErrTemplateNotFound = errors.New("template not found")

// MissingVariableError is returned by Enqueue when the variables map lacks
// one or more names the template declares as required. Nothing is persisted.
type MissingVariableError struct {
	Template string
	Missing  []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing variables %v", e.Template, e.Missing)
}
