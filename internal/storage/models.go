package storage

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an EmailJob. A job moves from queued
// to exactly one of sent or failed and is never re-queued; retries are
// tracked on the QueueEntry.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobSent   JobStatus = "sent"
	JobFailed JobStatus = "failed"
)

// EntryStatus is the lifecycle state of a QueueEntry. in_progress marks an
// entry claimed by a processor; completed and exhausted-failed are terminal.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryInProgress EntryStatus = "in_progress"
	EntryFailed     EntryStatus = "failed"
	EntryCompleted  EntryStatus = "completed"
)

// Template holds pre-rendered subject/HTML/text content with the ordered
// list of variable names the template requires.
type Template struct {
	Name        string
	Subject     string
	HTMLContent string
	TextContent string
	Variables   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EmailJob is the durable record of one outbound email. The correlation ids
// are observability-only and never drive delivery logic.
type EmailJob struct {
	ID           uuid.UUID
	TemplateName string
	Recipient    string
	Subject      string
	HTMLBody     string
	TextBody     string
	Status       JobStatus
	SentAt       *time.Time
	Error        *string
	Metadata     map[string]string
	UserID       *uuid.UUID
	OrderID      *uuid.UUID
	RegistryID   *uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueEntry is the retry/scheduling wrapper for one EmailJob. Attempts
// counts failed delivery attempts only.
type QueueEntry struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	Status         EntryStatus
	Attempts       int
	LastError      *string
	NextAttempt    time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
