package store

import (
	"context"
	"errors"

	"github.com/seantiz/cutline/internal/model"
)

// ErrInvalidTransition is returned when an export status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExportStats holds aggregate export statistics.
type ExportStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByEngine map[string]int `json:"count_by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	TotalBytes    int64          `json:"total_bytes"`
}

// Store defines the persistence operations for export history.
type Store interface {
	CreateExport(ctx context.Context, e *model.Export) error
	GetExport(ctx context.Context, id string) (*model.Export, error)
	ListExports(ctx context.Context, limit, offset int) ([]*model.Export, int, error)
	UpdateExportStatus(ctx context.Context, id, status string) error
	UpdateExport(ctx context.Context, e *model.Export) error
	GetExportStats(ctx context.Context) (*ExportStats, error)
	InsertEventLine(ctx context.Context, exportID string, seq int, line string) error
	GetEventLines(ctx context.Context, exportID string) ([]model.EventLine, error)
	Close() error
}
