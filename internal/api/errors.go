package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/store"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrMemoryBudget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEngineUnavailable),
		errors.Is(err, model.ErrExportInProgress),
		errors.Is(err, exporter.ErrNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError writes err with the status and kind its sentinel maps to.
// Internal errors are logged and hidden behind message.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(message, "error", err)
		s.writeError(w, status, message)
		return
	}
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		kind = ""
	}
	requestsRejected.WithLabelValues(rejectLabel(err, kind)).Inc()
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func rejectLabel(err error, kind string) string {
	switch {
	case kind != "":
		return kind
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, exporter.ErrNotActive):
		return "not_active"
	}
	return "other"
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
