package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByEngine      map[string]int `json:"by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	TotalBytes    int64          `json:"total_bytes"`
	TotalSize     string         `json:"total_size"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExportStats(r.Context())
	if err != nil {
		s.logger.Error("get export stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByEngine:      stats.CountByEngine,
		AvgDurationMS: stats.AvgDurationMS,
		TotalBytes:    stats.TotalBytes,
		TotalSize:     humanize.IBytes(uint64(max(stats.TotalBytes, 0))),
	})
}
