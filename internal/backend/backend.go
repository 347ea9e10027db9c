package backend

import (
	"context"
	"image"
	"log/slog"
	"slices"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// Backend turns a sequence of composited frames into a container file. One
// instance serves exactly one export and is fixed for its lifetime.
type Backend interface {
	// Kind returns one of the model.Engine* constants.
	Kind() string

	// Capabilities reports the formats and resource profile of the engine.
	Capabilities() Capabilities

	// Configure prepares the engine for frozen settings. It is the first
	// call that may allocate resources.
	Configure(ctx context.Context, s settings.ExportSettings) error

	// ConsumeFrame accepts frame index (zero based, strictly increasing).
	// The engine must not retain frame after returning.
	ConsumeFrame(ctx context.Context, frame *image.RGBA, index int) error

	// Finalize completes the container and returns the staged artifact.
	Finalize(ctx context.Context) (Artifact, error)

	// Cancel aborts the export and releases every resource. It is safe to
	// call at any point, more than once, and after Finalize.
	Cancel()
}

// EncoderProgress is implemented by engines whose Finalize runs an external
// encoder that reports its own progress.
type EncoderProgress interface {
	SetEncoderProgress(fn ProgressFunc)
}

// ProgressFunc receives encoder diagnostics: frames encoded and media time.
type ProgressFunc func(frame int, timeSeconds float64)

// Artifact is a finalized container staged on disk.
type Artifact struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	Extension string `json:"extension"`
}

// Capabilities describes an engine.
type Capabilities struct {
	Kind    string            `json:"kind"`
	Label   string            `json:"label"`
	Formats []settings.Format `json:"formats"`
	// Realtime engines cannot run faster than the timeline plays.
	Realtime     bool `json:"realtime"`
	OutOfProcess bool `json:"out_of_process"`
}

// Supports reports whether the engine can produce format f.
func (c Capabilities) Supports(f settings.Format) bool {
	return slices.Contains(c.Formats, f)
}

// Options are handed to a Constructor for each export.
type Options struct {
	// StagingDir receives the finalized container before it is promoted.
	StagingDir string
	Logger     *slog.Logger
}

// Constructor builds a fresh engine for one export.
type Constructor func(opts Options) (Backend, error)

// Priority is the order engines are preferred in for non-light workloads.
var Priority = []string{model.EngineNative, model.EngineSoftware, model.EngineStandard}

// ValidKind reports whether kind names a concrete engine.
func ValidKind(kind string) bool {
	return slices.Contains(Priority, kind)
}
