package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/memory"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// recommendRequest is the JSON body for POST /v1/engines/recommend.
type recommendRequest struct {
	Settings  settings.ExportSettings `json:"settings"`
	DurationS float64                 `json:"duration_s"`
}

type recommendResponse struct {
	backend.Recommendation
	Estimate memory.Estimate `json:"estimate"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.exports.Factory().List(r.Context())
	if engines == nil {
		engines = []backend.EngineInfo{}
	}
	s.writeJSON(w, http.StatusOK, engines)
}

// normalizeSettings fills unset fields with defaults. A missing format
// becomes one the registered engines can currently produce.
func (s *Server) normalizeSettings(ctx context.Context, es *settings.ExportSettings) {
	if es.Format == "" {
		es.Format = s.exports.Factory().DefaultFormat(ctx)
	}
	es.Normalize()
}

func (s *Server) handleRecommendEngine(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.normalizeSettings(r.Context(), &req.Settings)
	// The filename plays no part in the recommendation.
	if req.Settings.Filename == "" {
		req.Settings.Filename = settings.DefaultFilename
	}
	if err := req.Settings.Validate(); err != nil {
		s.writeDomainError(w, err, "invalid settings")
		return
	}
	if req.DurationS <= 0 {
		s.writeDomainError(w, model.Errorf(model.ErrValidation, "duration_s must be positive"), "invalid duration")
		return
	}

	rec, err := s.exports.Factory().Recommend(r.Context(), req.Settings, req.DurationS)
	if err != nil {
		s.writeDomainError(w, err, "failed to recommend engine")
		return
	}
	s.writeJSON(w, http.StatusOK, recommendResponse{
		Recommendation: rec,
		Estimate:       memory.Evaluate(req.Settings, rec.EngineType, req.DurationS),
	})
}

// estimateResponse answers POST /v1/estimate. A plan over the memory budget
// is still an answer, so it is returned with CanExport unset.
type estimateResponse struct {
	exporter.Plan
	Error string `json:"error,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExportRequest(w, r)
	if !ok {
		return
	}
	plan, err := s.exports.Check(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, estimateResponse{Plan: plan})
	case errors.Is(err, model.ErrMemoryBudget):
		s.writeJSON(w, http.StatusOK, estimateResponse{Plan: plan, Error: err.Error()})
	default:
		s.writeDomainError(w, err, "failed to estimate export")
	}
}
