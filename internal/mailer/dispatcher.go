// Package mailer implements the synchronous enqueue path: template lookup,
// variable validation, rendering, and the atomic job + queue entry insert.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/willowcart/mailroom/internal/storage"
	"github.com/willowcart/mailroom/internal/template"
)

// Scheduler is the queue processor's wake-up hook. Enqueue calls it after a
// successful insert so the drain loop is running without the caller having
// to manage its lifecycle.
type Scheduler interface {
	EnsureRunning()
}

// Correlation carries optional observability ids onto the job record. They
// never influence delivery.
type Correlation struct {
	UserID     *uuid.UUID
	OrderID    *uuid.UUID
	RegistryID *uuid.UUID
}

// Dispatcher is the entry point request handlers use to send email. It never
// performs delivery itself and returns as soon as the job is durable.
type Dispatcher struct {
	store     storage.Querier
	scheduler Scheduler
	log       zerolog.Logger
}

// NewDispatcher creates a Dispatcher. scheduler may be nil, in which case
// enqueue relies on the processor having been started elsewhere.
func NewDispatcher(store storage.Querier, scheduler Scheduler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		scheduler: scheduler,
		log:       log,
	}
}

// Enqueue renders the named template with variables and durably records the
// send as a job record plus queue entry, created in one transaction. It
// returns the job id immediately; delivery happens in the background.
//
// Failure modes visible to the caller: ErrTemplateNotFound when the template
// is absent and MissingVariableError when required variables are missing.
// Both fail before anything is persisted.
func (d *Dispatcher) Enqueue(ctx context.Context, recipient, templateName string, variables map[string]string, correlation Correlation) (uuid.UUID, error) {
	tmpl, err := d.store.GetTemplate(ctx, templateName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			enqueueRejectedTotal.WithLabelValues("template_not_found").Inc()
			return uuid.Nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateName)
		}
		return uuid.Nil, fmt.Errorf("load template %q: %w", templateName, err)
	}

	if missing := template.MissingVariables(tmpl.Variables, variables); len(missing) > 0 {
		enqueueRejectedTotal.WithLabelValues("missing_variable").Inc()
		return uuid.Nil, &MissingVariableError{Template: templateName, Missing: missing}
	}

	job, _, err := d.store.CreateJob(ctx, storage.CreateJobParams{
		TemplateName: templateName,
		Recipient:    recipient,
		Subject:      template.Render(tmpl.Subject, variables),
		HTMLBody:     template.Render(tmpl.HTMLContent, variables),
		TextBody:     template.Render(tmpl.TextContent, variables),
		Metadata:     variables,
		UserID:       correlation.UserID,
		OrderID:      correlation.OrderID,
		RegistryID:   correlation.RegistryID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("persist job: %w", err)
	}

	jobsEnqueuedTotal.Inc()

	d.log.Info().
		Str("job_id", job.ID.String()).
		Str("template", templateName).
		Str("recipient", recipient).
		Msg("email job enqueued")

	if d.scheduler != nil {
		d.scheduler.EnsureRunning()
	}

	return job.ID, nil
}
