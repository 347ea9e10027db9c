package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/media"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/progress"
	"github.com/seantiz/cutline/internal/settings"
	"github.com/seantiz/cutline/internal/timeline"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB
)

// createExportRequest is the JSON body for POST /v1/exports and
// POST /v1/estimate.
type createExportRequest struct {
	Settings settings.ExportSettings `json:"settings"`
	Timeline timeline.Snapshot       `json:"timeline"`
	Media    []media.Spec            `json:"media"`
}

// listExportsResponse wraps the paginated list response.
type listExportsResponse struct {
	Exports []*model.Export `json:"exports"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// exportResponse is an export record with its live progress while running.
type exportResponse struct {
	*model.Export
	Progress *progress.Progress `json:"progress,omitempty"`
}

// decodeExportRequest reads the body and resolves its media. It writes the
// error response itself and reports whether the caller should continue.
func (s *Server) decodeExportRequest(w http.ResponseWriter, r *http.Request) (exporter.Request, bool) {
	var body createExportRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return exporter.Request{}, false
	}
	s.normalizeSettings(r.Context(), &body.Settings)

	lib, err := media.Open(s.mediaDir, body.Media)
	if err != nil {
		s.writeDomainError(w, err, "failed to load media")
		return exporter.Request{}, false
	}
	return exporter.Request{Settings: body.Settings, Timeline: body.Timeline, Media: lib}, true
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExportRequest(w, r)
	if !ok {
		return
	}
	rec, err := s.exports.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "failed to submit export")
		return
	}
	w.Header().Set("Location", "/v1/exports/"+rec.ID)
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExport(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get export")
		return
	}
	resp := exportResponse{Export: rec}
	if !model.IsTerminal(rec.Status) {
		if p, ok := s.exports.Progress(id); ok {
			resp.Progress = &p
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	exports, total, err := s.store.ListExports(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list exports", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}

	if exports == nil {
		exports = []*model.Export{}
	}

	s.writeJSON(w, http.StatusOK, listExportsResponse{
		Exports: exports,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCancelExport cancels a running export. The response is the record as
// it stands; the terminal status follows once the engine has stopped.
func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExport(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get export")
		return
	}
	if err := s.exports.Cancel(id); err != nil {
		if errors.Is(err, exporter.ErrNotActive) {
			s.writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("export is %s", rec.Status)})
			return
		}
		s.writeDomainError(w, err, "failed to cancel export")
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExport(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get export")
		return
	}
	if rec.Status != model.StatusComplete || rec.OutputPath == "" {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("export is %s", rec.Status))
		return
	}

	// Large artifacts outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for artifact", "error", err)
	}
	if info, ok := settings.Format(rec.Format).Info(); ok {
		w.Header().Set("Content-Type", info.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(rec.OutputPath)))
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	http.ServeFile(ww, r, rec.OutputPath)
	artifactBytesServed.WithLabelValues(rec.Format).Add(float64(ww.BytesWritten()))
}
