package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/willowcart/mailroom/internal/mailer"
	"github.com/willowcart/mailroom/internal/storage"
)

// Enqueuer is the dispatcher surface the API depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipient, templateName string, variables map[string]string, correlation mailer.Correlation) (uuid.UUID, error)
}

// enqueueRequest is the JSON body for POST /api/v1/emails.
type enqueueRequest struct {
	Recipient  string            `json:"recipient"`
	Template   string            `json:"template"`
	Variables  map[string]string `json:"variables"`
	UserID     *uuid.UUID        `json:"user_id,omitempty"`
	OrderID    *uuid.UUID        `json:"order_id,omitempty"`
	RegistryID *uuid.UUID        `json:"registry_id,omitempty"`
}

// jobResponse is the JSON view of a job record for the observability read path.
type jobResponse struct {
	ID         uuid.UUID         `json:"id"`
	Template   string            `json:"template"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	Status     storage.JobStatus `json:"status"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      *string           `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UserID     *uuid.UUID        `json:"user_id,omitempty"`
	OrderID    *uuid.UUID        `json:"order_id,omitempty"`
	RegistryID *uuid.UUID        `json:"registry_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// queueEntryResponse is the JSON view of a queue entry for diagnosing stuck sends.
type queueEntryResponse struct {
	ID          uuid.UUID           `json:"id"`
	JobID       uuid.UUID           `json:"job_id"`
	Status      storage.EntryStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	LastError   *string             `json:"last_error,omitempty"`
	NextAttempt time.Time           `json:"next_attempt"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func toJobResponse(j storage.EmailJob) jobResponse {
	return jobResponse{
		ID:         j.ID,
		Template:   j.TemplateName,
		Recipient:  j.Recipient,
		Subject:    j.Subject,
		Status:     j.Status,
		SentAt:     j.SentAt,
		Error:      j.Error,
		Metadata:   j.Metadata,
		UserID:     j.UserID,
		OrderID:    j.OrderID,
		RegistryID: j.RegistryID,
		CreatedAt:  j.CreatedAt,
	}
}

func toQueueEntryResponse(e storage.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:          e.ID,
		JobID:       e.JobID,
		Status:      e.Status,
		Attempts:    e.Attempts,
		LastError:   e.LastError,
		NextAttempt: e.NextAttempt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// EnqueueEmailHandler handles POST /api/v1/emails. The send is durable once
// this returns 202; delivery happens in the background.
func EnqueueEmailHandler(dispatcher Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Recipient == "" || req.Template == "" {
			respondError(w, http.StatusBadRequest, "recipient and template are required")
			return
		}

		jobID, err := dispatcher.Enqueue(r.Context(), req.Recipient, req.Template, req.Variables, mailer.Correlation{
			UserID:     req.UserID,
			OrderID:    req.OrderID,
			RegistryID: req.RegistryID,
		})
		if err != nil {
			var missing *mailer.MissingVariableError
			switch {
			case errors.Is(err, mailer.ErrTemplateNotFound):
				respondError(w, http.StatusNotFound, err.Error())
			case errors.As(err, &missing):
				respondError(w, http.StatusUnprocessableEntity, err.Error())
			default:
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		respondJSON(w, http.StatusAccepted, map[string]uuid.UUID{"job_id": jobID})
	}
}

// GetEmailHandler handles GET /api/v1/emails/{id}.
func GetEmailHandler(queries storage.Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid job id")
			return
		}

		job, err := queries.GetJobByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				respondError(w, http.StatusNotFound, "job not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		respondJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// GetEmailQueueHandler handles GET /api/v1/emails/{id}/queue.
func GetEmailQueueHandler(queries storage.Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid job id")
			return
		}

		entry, err := queries.GetQueueEntryByJobID(r.Context(), id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				respondError(w, http.StatusNotFound, "queue entry not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		respondJSON(w, http.StatusOK, toQueueEntryResponse(entry))
	}
}
