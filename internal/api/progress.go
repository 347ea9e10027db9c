package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cutline/internal/model"
)

// handleStreamProgress streams progress updates of an export as SSE. Each
// event carries one progress.Progress as JSON; a final "done" event names
// the terminal status.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExport(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get export")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(rec.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", rec.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing after the export finished yields its final update on a
	// closed channel, so the loop below still terminates.
	ch, unsub := s.exports.Broker().Subscribe(id)
	defer unsub()
	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	last := rec.Status
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", last)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			last = p.Status
			data, err := json.Marshal(p)
			if err != nil {
				s.logger.Error("encode progress", "export_id", id, "error", err)
				return
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventLine is a single history line in the events response.
type eventLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// eventsResponse is the JSON response for GET /v1/exports/{id}/events.
type eventsResponse struct {
	ExportID string      `json:"export_id"`
	Lines    []eventLine `json:"lines"`
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetExport(r.Context(), id); err != nil {
		s.writeDomainError(w, err, "failed to get export")
		return
	}

	stored, err := s.store.GetEventLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get event lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get event lines")
		return
	}

	lines := make([]eventLine, len(stored))
	for i, l := range stored {
		lines[i] = eventLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventsResponse{ExportID: id, Lines: lines})
}

// writeSSEData writes one data event. Payloads are single-line JSON.
func writeSSEData(w http.ResponseWriter, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
