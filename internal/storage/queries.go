package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClaimLost is returned by the outcome writes when the entry is no longer
// held under the caller's lease: the lease expired and another process
// reclaimed the entry, or already drove it to a terminal state. The caller's
// result must be discarded, not recorded.
var ErrClaimLost = errors.New("queue entry claim lost")

// Querier is the set of store operations the rest of the application uses.
// Implemented by Queries; mocked in unit tests.
type Querier interface {
	UpsertTemplate(ctx context.Context, arg UpsertTemplateParams) (Template, error)
	GetTemplate(ctx context.Context, name string) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)

	CreateJob(ctx context.Context, arg CreateJobParams) (EmailJob, QueueEntry, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (EmailJob, error)
	GetQueueEntryByJobID(ctx context.Context, jobID uuid.UUID) (QueueEntry, error)

	ClaimNextEntry(ctx context.Context, arg ClaimParams) (QueueEntry, error)
	MarkDelivered(ctx context.Context, arg MarkDeliveredParams) error
	MarkAttemptFailed(ctx context.Context, arg MarkAttemptFailedParams) (QueueEntry, error)

	CountEntriesByStatus(ctx context.Context, status EntryStatus) (int64, error)
}

// Queries runs SQL against a pgxpool.Pool.
type Queries struct {
	pool *pgxpool.Pool
}

// New creates a Queries instance backed by the given pool.
func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

var _ Querier = (*Queries)(nil)

// UpsertTemplateParams holds the fields for creating or replacing a template.
type UpsertTemplateParams struct {
	Name        string
	Subject     string
	HTMLContent string
	TextContent string
	Variables   []string
}

// UpsertTemplate creates or replaces a template by name. Idempotent: calling
// it twice with identical arguments leaves one row with unchanged content.
func (q *Queries) UpsertTemplate(ctx context.Context, arg UpsertTemplateParams) (Template, error) {
	variables, err := json.Marshal(arg.Variables)
	if err != nil {
		return Template{}, fmt.Errorf("marshal variables: %w", err)
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO email_templates (name, subject, html_content, text_content, variables)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			subject = EXCLUDED.subject,
			html_content = EXCLUDED.html_content,
			text_content = EXCLUDED.text_content,
			variables = EXCLUDED.variables,
			updated_at = now()
		RETURNING name, subject, html_content, text_content, variables, created_at, updated_at`,
		arg.Name, arg.Subject, arg.HTMLContent, arg.TextContent, variables,
	)

	return scanTemplate(row)
}

// GetTemplate fetches a template by name. Returns pgx.ErrNoRows when absent.
func (q *Queries) GetTemplate(ctx context.Context, name string) (Template, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT name, subject, html_content, text_content, variables, created_at, updated_at
		FROM email_templates
		WHERE name = $1`,
		name,
	)

	return scanTemplate(row)
}

// ListTemplates returns all templates ordered by name.
func (q *Queries) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT name, subject, html_content, text_content, variables, created_at, updated_at
		FROM email_templates
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// CreateJobParams holds the fields for enqueueing a rendered email.
type CreateJobParams struct {
	TemplateName string
	Recipient    string
	Subject      string
	HTMLBody     string
	TextBody     string
	Metadata     map[string]string
	UserID       *uuid.UUID
	OrderID      *uuid.UUID
	RegistryID   *uuid.UUID
}

// CreateJob inserts a job record (queued) and its queue entry (pending,
// attempts 0, next_attempt now) in a single transaction. Either both rows
// exist afterwards or neither does.
func (q *Queries) CreateJob(ctx context.Context, arg CreateJobParams) (EmailJob, QueueEntry, error) {
	metadata, err := json.Marshal(arg.Metadata)
	if err != nil {
		return EmailJob{}, QueueEntry{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return EmailJob{}, QueueEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	jobRow := tx.QueryRow(ctx, `
		INSERT INTO email_jobs
			(id, template_name, recipient, subject, html_body, text_body, status, metadata, user_id, order_id, registry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, template_name, recipient, subject, html_body, text_body, status,
			sent_at, error, metadata, user_id, order_id, registry_id, created_at, updated_at`,
		uuid.New(), arg.TemplateName, arg.Recipient, arg.Subject, arg.HTMLBody, arg.TextBody,
		JobQueued, metadata, arg.UserID, arg.OrderID, arg.RegistryID,
	)

	job, err := scanJob(jobRow)
	if err != nil {
		return EmailJob{}, QueueEntry{}, fmt.Errorf("insert job: %w", err)
	}

	entryRow := tx.QueryRow(ctx, `
		INSERT INTO email_queue (id, job_id, status, attempts, next_attempt)
		VALUES ($1, $2, $3, 0, now())
		RETURNING id, job_id, status, attempts, last_error, next_attempt, lease_expires_at, created_at, updated_at`,
		uuid.New(), job.ID, EntryPending,
	)

	entry, err := scanEntry(entryRow)
	if err != nil {
		return EmailJob{}, QueueEntry{}, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return EmailJob{}, QueueEntry{}, fmt.Errorf("commit transaction: %w", err)
	}

	return job, entry, nil
}

// GetJobByID fetches a job record. Returns pgx.ErrNoRows when absent.
func (q *Queries) GetJobByID(ctx context.Context, id uuid.UUID) (EmailJob, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, template_name, recipient, subject, html_body, text_body, status,
			sent_at, error, metadata, user_id, order_id, registry_id, created_at, updated_at
		FROM email_jobs
		WHERE id = $1`,
		id,
	)

	return scanJob(row)
}

// GetQueueEntryByJobID fetches the queue entry owned by a job.
func (q *Queries) GetQueueEntryByJobID(ctx context.Context, jobID uuid.UUID) (QueueEntry, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, job_id, status, attempts, last_error, next_attempt, lease_expires_at, created_at, updated_at
		FROM email_queue
		WHERE job_id = $1`,
		jobID,
	)

	return scanEntry(row)
}

// ClaimParams bounds the eligibility window for ClaimNextEntry.
type ClaimParams struct {
	// MaxAttempts excludes entries whose retry budget is exhausted.
	MaxAttempts int
	// Lease is how long the claim holds before the entry becomes eligible
	// again if the claimer never reports an outcome.
	Lease time.Duration
}

// ClaimNextEntry atomically claims the oldest eligible queue entry by moving
// it to in_progress with a fresh lease. Eligible entries are pending, or
// failed with remaining budget and a due next_attempt, or in_progress with an
// expired lease (a crashed claimer). The selection and the status flip happen
// in one statement, so two concurrent processors can never claim the same
// entry. Returns pgx.ErrNoRows when nothing is eligible.
func (q *Queries) ClaimNextEntry(ctx context.Context, arg ClaimParams) (QueueEntry, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE email_queue SET
			status = 'in_progress',
			lease_expires_at = now() + $2,
			updated_at = now()
		WHERE id = (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			   OR (status = 'failed' AND attempts < $1 AND next_attempt <= now())
			   OR (status = 'in_progress' AND attempts < $1 AND lease_expires_at <= now())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_id, status, attempts, last_error, next_attempt, lease_expires_at, created_at, updated_at`,
		arg.MaxAttempts, arg.Lease,
	)

	return scanEntry(row)
}

// MarkDeliveredParams records the outcome of one successful delivery attempt.
// Lease is the lease_expires_at value returned by the claim and acts as the
// claim token: the write only lands while that exact lease is still on the
// entry.
type MarkDeliveredParams struct {
	EntryID uuid.UUID
	JobID   uuid.UUID
	Lease   time.Time
}

// MarkDelivered records a successful attempt in one transaction: the entry
// becomes completed and the job becomes sent with sent_at set. Returns
// ErrClaimLost when the entry is no longer in_progress under the caller's
// lease, which happens when the lease expired and another process reclaimed
// the entry before this outcome arrived.
func (q *Queries) MarkDelivered(ctx context.Context, arg MarkDeliveredParams) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE email_queue SET
			status = 'completed',
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'in_progress' AND lease_expires_at = $2`,
		arg.EntryID, arg.Lease,
	)
	if err != nil {
		return fmt.Errorf("complete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	if _, err := tx.Exec(ctx, `
		UPDATE email_jobs SET
			status = 'sent',
			sent_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'queued'`,
		arg.JobID,
	); err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkAttemptFailedParams records the outcome of one failed delivery attempt.
// Lease is the claim token, as in MarkDeliveredParams.
type MarkAttemptFailedParams struct {
	EntryID     uuid.UUID
	JobID       uuid.UUID
	Error       string
	NextAttempt time.Time
	Lease       time.Time
	// Final marks the retry budget as exhausted; the owning job is moved to
	// failed in the same transaction.
	Final bool
}

// MarkAttemptFailed increments attempts, records the error and the backoff
// deadline, and releases the claim. When Final is set the owning job is
// marked failed with the same error, all in one transaction. Returns
// ErrClaimLost when the entry is no longer in_progress under the caller's
// lease; attempts is never bumped for a stale claimer, so the per-entry
// attempt count stays within budget even across crashed-and-reclaimed
// workers.
func (q *Queries) MarkAttemptFailed(ctx context.Context, arg MarkAttemptFailedParams) (QueueEntry, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE email_queue SET
			status = 'failed',
			attempts = attempts + 1,
			last_error = $2,
			next_attempt = $3,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'in_progress' AND lease_expires_at = $4
		RETURNING id, job_id, status, attempts, last_error, next_attempt, lease_expires_at, created_at, updated_at`,
		arg.EntryID, arg.Error, arg.NextAttempt, arg.Lease,
	)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QueueEntry{}, ErrClaimLost
		}
		return QueueEntry{}, fmt.Errorf("fail queue entry: %w", err)
	}

	if arg.Final {
		if _, err := tx.Exec(ctx, `
			UPDATE email_jobs SET
				status = 'failed',
				error = $2,
				updated_at = now()
			WHERE id = $1 AND status = 'queued'`,
			arg.JobID, arg.Error,
		); err != nil {
			return QueueEntry{}, fmt.Errorf("mark job failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return QueueEntry{}, fmt.Errorf("commit transaction: %w", err)
	}

	return entry, nil
}

// CountEntriesByStatus returns the number of queue entries in a given state.
func (q *Queries) CountEntriesByStatus(ctx context.Context, status EntryStatus) (int64, error) {
	var count int64
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM email_queue WHERE status = $1`, status,
	).Scan(&count)
	return count, err
}

func scanTemplate(row pgx.Row) (Template, error) {
	var (
		t         Template
		variables []byte
	)
	if err := row.Scan(&t.Name, &t.Subject, &t.HTMLContent, &t.TextContent, &variables, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Template{}, err
	}
	if err := json.Unmarshal(variables, &t.Variables); err != nil {
		return Template{}, fmt.Errorf("unmarshal template variables: %w", err)
	}
	return t, nil
}

func scanJob(row pgx.Row) (EmailJob, error) {
	var (
		j        EmailJob
		metadata []byte
	)
	if err := row.Scan(
		&j.ID, &j.TemplateName, &j.Recipient, &j.Subject, &j.HTMLBody, &j.TextBody, &j.Status,
		&j.SentAt, &j.Error, &metadata, &j.UserID, &j.OrderID, &j.RegistryID, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return EmailJob{}, err
	}
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return EmailJob{}, fmt.Errorf("unmarshal job metadata: %w", err)
	}
	return j, nil
}

func scanEntry(row pgx.Row) (QueueEntry, error) {
	var e QueueEntry
	if err := row.Scan(
		&e.ID, &e.JobID, &e.Status, &e.Attempts, &e.LastError,
		&e.NextAttempt, &e.LeaseExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}
