package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cutline/internal/model"

	_ "modernc.org/sqlite"
)

const createExportsTable = `
CREATE TABLE IF NOT EXISTS exports (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    engine       TEXT NOT NULL,
    quality      TEXT NOT NULL,
    format       TEXT NOT NULL,
    filename     TEXT NOT NULL,
    width        INTEGER NOT NULL,
    height       INTEGER NOT NULL,
    fps          INTEGER NOT NULL,
    duration_s   REAL NOT NULL,
    total_frames INTEGER NOT NULL,
    output_path  TEXT,
    output_size  INTEGER,
    audio_path   TEXT,
    error        TEXT,
    error_kind   TEXT,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createEventLinesTable = `
CREATE TABLE IF NOT EXISTS export_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    export_id  TEXT NOT NULL REFERENCES exports(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_export_events_export_seq ON export_events (export_id, seq)`

const exportColumns = `id, status, engine, quality, format, filename,
	width, height, fps, duration_s, total_frames,
	output_path, output_size, audio_path, error, error_kind,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when an export is not found.
var ErrNotFound = errors.New("export not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createExportsTable, createEventLinesTable, createEventLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExport(r rowScanner) (*model.Export, error) {
	e := &model.Export{}
	var (
		outputPath, audioPath, errMsg, errKind sql.NullString
		outputSize                             sql.NullInt64
	)
	err := r.Scan(
		&e.ID, &e.Status, &e.Engine, &e.Quality, &e.Format, &e.Filename,
		&e.Width, &e.Height, &e.FPS, &e.DurationS, &e.TotalFrames,
		&outputPath, &outputSize, &audioPath, &errMsg, &errKind,
		&e.DurationMS, &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	e.OutputPath = outputPath.String
	e.OutputSize = outputSize.Int64
	e.AudioPath = audioPath.String
	e.Error = errMsg.String
	e.ErrorKind = errKind.String
	return e, nil
}

// CreateExport inserts a new export record.
func (s *SQLiteStore) CreateExport(ctx context.Context, e *model.Export) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exports (`+exportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.Engine, e.Quality, e.Format, e.Filename,
		e.Width, e.Height, e.FPS, e.DurationS, e.TotalFrames,
		e.OutputPath, e.OutputSize, e.AudioPath, e.Error, e.ErrorKind,
		e.DurationMS, e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

// GetExport retrieves an export by ID.
func (s *SQLiteStore) GetExport(ctx context.Context, id string) (*model.Export, error) {
	e, err := scanExport(s.db.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	return e, nil
}

// ListExports returns a paginated list of exports ordered by created_at DESC,
// along with the total count of all exports.
func (s *SQLiteStore) ListExports(ctx context.Context, limit, offset int) ([]*model.Export, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM exports").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count exports: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM exports ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	var exports []*model.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan export: %w", err)
		}
		exports = append(exports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate exports: %w", err)
	}

	return exports, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM exports WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read export status: %w", err)
	}
	return status, nil
}

// UpdateExportStatus moves an export to status. Leaving idle sets started_at;
// terminal statuses set finished_at.
func (s *SQLiteStore) UpdateExportStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case from == model.StatusIdle:
		_, err = tx.ExecContext(ctx, "UPDATE exports SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx, "UPDATE exports SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE exports SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update export status: %w", err)
	}
	return tx.Commit()
}

// UpdateExport writes the mutable fields of e. A status change is validated
// like UpdateExportStatus.
func (s *SQLiteStore) UpdateExport(ctx context.Context, e *model.Export) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	if from != e.Status && !model.ValidTransition(from, e.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, e.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE exports SET
			status = ?, engine = ?, total_frames = ?,
			output_path = ?, output_size = ?, audio_path = ?,
			error = ?, error_kind = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		e.Status, e.Engine, e.TotalFrames,
		e.OutputPath, e.OutputSize, e.AudioPath,
		e.Error, e.ErrorKind, e.DurationMS,
		e.StartedAt, e.FinishedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update export: %w", err)
	}
	return tx.Commit()
}

// GetExportStats aggregates the export history.
func (s *SQLiteStore) GetExportStats(ctx context.Context) (*ExportStats, error) {
	stats := &ExportStats{
		CountByStatus: make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	if err := s.countExports(ctx, stats); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms), SUM(output_size) FROM exports WHERE status = ?", model.StatusComplete,
	).Scan(&avg, &bytes)
	if err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.TotalBytes = bytes.Int64
	return stats, nil
}

func (s *SQLiteStore) countExports(ctx context.Context, stats *ExportStats) error {
	rows, err := s.db.QueryContext(ctx, "SELECT status, engine, COUNT(*) FROM exports GROUP BY status, engine")
	if err != nil {
		return fmt.Errorf("count exports: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, engine string
		var n int
		if err := rows.Scan(&status, &engine, &n); err != nil {
			return fmt.Errorf("scan counts: %w", err)
		}
		stats.Total += n
		stats.CountByStatus[status] += n
		stats.CountByEngine[engine] += n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counts: %w", err)
	}
	return nil
}

// InsertEventLine appends one progress or status line to an export's history.
func (s *SQLiteStore) InsertEventLine(ctx context.Context, exportID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO export_events (export_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		exportID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event line: %w", err)
	}
	return nil
}

// GetEventLines returns every event line of an export in sequence order.
func (s *SQLiteStore) GetEventLines(ctx context.Context, exportID string) ([]model.EventLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, export_id, seq, line, created_at FROM export_events WHERE export_id = ? ORDER BY seq",
		exportID,
	)
	if err != nil {
		return nil, fmt.Errorf("get event lines: %w", err)
	}
	defer rows.Close()

	lines := []model.EventLine{}
	for rows.Next() {
		var l model.EventLine
		if err := rows.Scan(&l.ID, &l.ExportID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event lines: %w", err)
	}
	return lines, nil
}
