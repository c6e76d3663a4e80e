package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/willowcart/mailroom/internal/storage"
)

// templateRequest is the JSON body for PUT /api/v1/templates/{name}.
type templateRequest struct {
	Subject     string   `json:"subject"`
	HTMLContent string   `json:"html_content"`
	TextContent string   `json:"text_content"`
	Variables   []string `json:"variables"`
}

// templateResponse is the JSON view of a stored template.
type templateResponse struct {
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	TextContent string    `json:"text_content"`
	Variables   []string  `json:"variables"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toTemplateResponse(t storage.Template) templateResponse {
	variables := t.Variables
	if variables == nil {
		variables = []string{}
	}
	return templateResponse{
		Name:        t.Name,
		Subject:     t.Subject,
		HTMLContent: t.HTMLContent,
		TextContent: t.TextContent,
		Variables:   variables,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// UpsertTemplateHandler handles PUT /api/v1/templates/{name}. Used by the
// offline template-generation step; idempotent by name.
func UpsertTemplateHandler(queries storage.Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" {
			respondError(w, http.StatusBadRequest, "template name is required")
			return
		}

		var req templateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Subject == "" {
			respondError(w, http.StatusBadRequest, "subject is required")
			return
		}

		tmpl, err := queries.UpsertTemplate(r.Context(), storage.UpsertTemplateParams{
			Name:        name,
			Subject:     req.Subject,
			HTMLContent: req.HTMLContent,
			TextContent: req.TextContent,
			Variables:   req.Variables,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		respondJSON(w, http.StatusOK, toTemplateResponse(tmpl))
	}
}

// GetTemplateHandler handles GET /api/v1/templates/{name}.
func GetTemplateHandler(queries storage.Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		tmpl, err := queries.GetTemplate(r.Context(), name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				respondError(w, http.StatusNotFound, "template not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		respondJSON(w, http.StatusOK, toTemplateResponse(tmpl))
	}
}

// ListTemplatesHandler handles GET /api/v1/templates.
func ListTemplatesHandler(queries storage.Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := queries.ListTemplates(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		result := make([]templateResponse, len(templates))
		for i, t := range templates {
			result[i] = toTemplateResponse(t)
		}

		respondJSON(w, http.StatusOK, result)
	}
}
