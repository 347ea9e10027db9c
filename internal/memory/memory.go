// Package memory estimates the peak memory footprint of an export and
// decides whether it may start.
package memory

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
	"github.com/seantiz/cutline/internal/timeline"
)

// Level grades an estimate.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelMaximum  Level = "maximum"
)

// Thresholds and fixed costs.
const (
	GiB = 1 << 30
	MiB = 1 << 20

	WarningThreshold  = 1 * GiB
	CriticalThreshold = 2 * GiB
	MaximumThreshold  = 4 * GiB

	BaseOverhead = 128 * MiB
)

// Resident raster counts per engine. The software figure is its channel
// depth plus the frames held by its encode workers.
const (
	StandardResidentFrames = 2
	SoftwareBufferDepth    = 8
	SoftwareWorkers        = 4
	SoftwareResidentFrames = SoftwareBufferDepth + SoftwareWorkers
	NativeResidentFrames   = 2
)

// Profile describes how an engine holds data in memory.
type Profile struct {
	ResidentFrames int
	// BuffersOutput is set when the encoded container grows in process memory.
	BuffersOutput bool
	// ResidentPalettes is set when every frame is kept as a palette image
	// until finalize.
	ResidentPalettes bool
}

// ProfileFor returns the memory profile of an engine kind producing format.
// Auto is priced as the software engine, the most expensive in-process path.
func ProfileFor(engine string, format settings.Format) Profile {
	switch engine {
	case model.EngineStandard:
		return Profile{ResidentFrames: StandardResidentFrames, BuffersOutput: true}
	case model.EngineNative:
		return Profile{ResidentFrames: NativeResidentFrames}
	default:
		return Profile{
			ResidentFrames:   SoftwareResidentFrames,
			BuffersOutput:    true,
			ResidentPalettes: format == settings.FormatGIF,
		}
	}
}

// Estimate is the admission decision for one export.
type Estimate struct {
	Bytes          int64  `json:"bytes"`
	Human          string `json:"human"`
	WarningLevel   Level  `json:"warning_level"`
	CanExport      bool   `json:"can_export"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Bytes returns the estimated peak footprint. It is non-decreasing in width,
// height and duration and saturates at math.MaxInt64.
func Bytes(s settings.ExportSettings, durationSeconds float64, p Profile) int64 {
	w, h := float64(max(s.Width, 0)), float64(max(s.Height, 0))
	total := w*h*4*float64(p.ResidentFrames) + BaseOverhead
	if durationSeconds > 0 || math.IsNaN(durationSeconds) {
		if p.BuffersOutput {
			bitrate := int64(0)
			if preset, ok := s.Quality.Preset(); ok {
				bitrate = preset.BitrateBps
			}
			total += float64(bitrate) * durationSeconds / 8
		}
		if p.ResidentPalettes {
			frames := durationSeconds * float64(s.FPS)
			if frames < math.MaxInt32 {
				frames = float64(timeline.TotalFrames(durationSeconds, s.FPS))
			}
			total += w * h * frames
		}
	}
	// float64(math.MaxInt64) rounds up to 2^63, so >= catches every overflow.
	if math.IsNaN(total) || total >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(total)
}

// LevelFor grades a byte count.
func LevelFor(bytes int64) Level {
	switch {
	case bytes < WarningThreshold:
		return LevelNone
	case bytes < CriticalThreshold:
		return LevelWarning
	case bytes < MaximumThreshold:
		return LevelCritical
	default:
		return LevelMaximum
	}
}

// Evaluate estimates the footprint of exporting with the given settings and
// engine for durationSeconds. It is a pure function.
func Evaluate(s settings.ExportSettings, engine string, durationSeconds float64) Estimate {
	p := ProfileFor(engine, s.Format)
	b := Bytes(s, durationSeconds, p)
	level := LevelFor(b)
	est := Estimate{
		Bytes:        b,
		Human:        humanize.IBytes(uint64(b)),
		WarningLevel: level,
		CanExport:    level != LevelMaximum,
	}
	if level != LevelNone {
		est.Recommendation = recommend(s, engine, durationSeconds)
	}
	return est
}

// Admit returns an error wrapping model.ErrMemoryBudget when the estimate
// forbids the export.
func Admit(s settings.ExportSettings, engine string, durationSeconds float64) (Estimate, error) {
	est := Evaluate(s, engine, durationSeconds)
	if !est.CanExport {
		return est, model.Errorf(model.ErrMemoryBudget, "estimated %s exceeds the %s limit: %s",
			est.Human, humanize.IBytes(MaximumThreshold), est.Recommendation)
	}
	return est, nil
}

func recommend(s settings.ExportSettings, engine string, durationSeconds float64) string {
	lower, ok := s.Quality.Lower()
	if !ok {
		return "Shorten the timeline or use the native engine"
	}
	alt := s
	alt.SetQuality(lower)
	b := Bytes(alt, durationSeconds, ProfileFor(engine, s.Format))
	preset, _ := lower.Preset()
	return fmt.Sprintf("Reduce quality to %s (%s, about %s)", lower, preset.Label, humanize.IBytes(uint64(b)))
}
