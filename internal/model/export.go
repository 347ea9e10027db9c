package model

import "time"

// Export status constants. The lifecycle is
// idle → preparing → rendering → finalizing → complete | error | cancelled.
const (
	StatusIdle       = "idle"
	StatusPreparing  = "preparing"
	StatusRendering  = "rendering"
	StatusFinalizing = "finalizing"
	StatusComplete   = "complete"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// Engine kind constants.
const (
	EngineAuto     = "auto"
	EngineStandard = "standard"
	EngineSoftware = "software"
	EngineNative   = "native"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusIdle: {
		StatusPreparing: true,
	},
	StatusPreparing: {
		StatusRendering: true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusRendering: {
		StatusFinalizing: true,
		StatusError:      true,
		StatusCancelled:  true,
	},
	StatusFinalizing: {
		StatusComplete:  true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one of the mutually exclusive end states.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusError || status == StatusCancelled
}

// EventLine is a single persisted progress or status line of an export.
type EventLine struct {
	ID        int64     `json:"id"`
	ExportID  string    `json:"export_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Export is the history record of one export run.
type Export struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Engine      string     `json:"engine"`
	Quality     string     `json:"quality"`
	Format      string     `json:"format"`
	Filename    string     `json:"filename"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	FPS         int        `json:"fps"`
	DurationS   float64    `json:"duration_s"`
	TotalFrames int        `json:"total_frames"`
	OutputPath  string     `json:"output_path,omitempty"`
	OutputSize  int64      `json:"output_size,omitempty"`
	AudioPath   string     `json:"audio_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
