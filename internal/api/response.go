package api

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

// respondJSON marshals data and writes it with the given status. A nil data
// writes the status line only. The body is marshalled before the header goes
// out so a marshal failure can still become a clean 500.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	w.Write(body)
}

// respondError writes a JSON error body with the given status code.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}
