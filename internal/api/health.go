package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status       string `json:"status"`
	ActiveExport string `json:"active_export,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if id, ok := s.exports.Active(); ok {
		resp.ActiveExport = id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
