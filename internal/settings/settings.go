// Package settings holds the user-chosen export settings and the fixed
// quality and format tables they map onto.
package settings

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/seantiz/cutline/internal/model"
)

// Quality selects a fixed output resolution and bitrate.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Format selects a fixed container/codec/extension triple.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatMOV  Format = "mov"
	FormatAVI  Format = "avi"
	FormatGIF  Format = "gif"
)

// Defaults applied by New.
const (
	DefaultQuality  = QualityHigh
	DefaultFormat   = FormatMP4
	DefaultFPS      = 30
	DefaultFilename = "export"

	MaxFPS            = 120
	MaxFilenameLength = 255
	MaxDimension      = 7680
)

// QualityPreset is one row of the quality table.
type QualityPreset struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Label        string `json:"label"`
	SizeEstimate string `json:"size_estimate"`
	BitrateBps   int64  `json:"bitrate_bps"`
}

// FormatInfo is one row of the format table.
type FormatInfo struct {
	Container string `json:"container"`
	Codec     string `json:"codec"`
	Extension string `json:"extension"`
	Label     string `json:"label"`
	MimeType  string `json:"mime_type"`
	PixFmt    string `json:"pix_fmt"`
}

var qualityTable = map[Quality]QualityPreset{
	QualityLow:    {Width: 854, Height: 480, Label: "480p", SizeEstimate: "~5-10 MB/min", BitrateBps: 2_500_000},
	QualityMedium: {Width: 1280, Height: 720, Label: "720p", SizeEstimate: "~20-40 MB/min", BitrateBps: 5_000_000},
	QualityHigh:   {Width: 1920, Height: 1080, Label: "1080p", SizeEstimate: "~50-100 MB/min", BitrateBps: 8_000_000},
}

var formatTable = map[Format]FormatInfo{
	FormatMP4:  {Container: "mp4", Codec: "libx264", Extension: ".mp4", Label: "MP4 (H.264)", MimeType: "video/mp4", PixFmt: "yuv420p"},
	FormatWebM: {Container: "webm", Codec: "libvpx-vp9", Extension: ".webm", Label: "WebM (VP9)", MimeType: "video/webm", PixFmt: "yuv420p"},
	FormatMOV:  {Container: "mov", Codec: "libx264", Extension: ".mov", Label: "QuickTime (H.264)", MimeType: "video/quicktime", PixFmt: "yuv420p"},
	FormatAVI:  {Container: "avi", Codec: "mjpeg", Extension: ".avi", Label: "AVI (Motion JPEG)", MimeType: "video/x-msvideo", PixFmt: "yuvj420p"},
	FormatGIF:  {Container: "gif", Codec: "gif", Extension: ".gif", Label: "Animated GIF", MimeType: "image/gif", PixFmt: "rgb8"},
}

// Qualities lists the quality levels from lowest to highest.
var Qualities = []Quality{QualityLow, QualityMedium, QualityHigh}

// Formats lists every supported output format.
var Formats = []Format{FormatMP4, FormatWebM, FormatMOV, FormatAVI, FormatGIF}

// disallowedFilenameChars are rejected anywhere in an export filename.
const disallowedFilenameChars = `<>:"/\|?*`

// Preset returns the quality table row for q.
func (q Quality) Preset() (QualityPreset, bool) {
	p, ok := qualityTable[q]
	return p, ok
}

// Lower returns the next lower quality, or false at the bottom of the table.
func (q Quality) Lower() (Quality, bool) {
	switch q {
	case QualityHigh:
		return QualityMedium, true
	case QualityMedium:
		return QualityLow, true
	default:
		return "", false
	}
}

// Info returns the format table row for f.
func (f Format) Info() (FormatInfo, bool) {
	info, ok := formatTable[f]
	return info, ok
}

// ExportSettings are the user's choices for one export. A value is mutated by
// the user and frozen (copied) when the export starts.
type ExportSettings struct {
	Quality  Quality `json:"quality"`
	Format   Format  `json:"format"`
	Engine   string  `json:"engine"`
	Filename string  `json:"filename"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      int     `json:"fps"`
}

// New returns settings populated with defaults.
func New() ExportSettings {
	s := ExportSettings{
		Format:   DefaultFormat,
		Engine:   model.EngineAuto,
		Filename: DefaultFilename,
		FPS:      DefaultFPS,
	}
	s.SetQuality(DefaultQuality)
	return s
}

// SetQuality selects q and re-derives the resolution from the quality table.
// Unknown qualities leave the settings unchanged.
func (s *ExportSettings) SetQuality(q Quality) {
	p, ok := q.Preset()
	if !ok {
		return
	}
	s.Quality = q
	s.Width = p.Width
	s.Height = p.Height
}

// Normalize fills zero fields with defaults and derives a missing resolution
// from the quality. It is applied to settings decoded from requests.
func (s *ExportSettings) Normalize() {
	if s.Quality == "" {
		s.Quality = DefaultQuality
	}
	if s.Format == "" {
		s.Format = DefaultFormat
	}
	if s.Engine == "" {
		s.Engine = model.EngineAuto
	}
	if s.FPS == 0 {
		s.FPS = DefaultFPS
	}
	if s.Width == 0 && s.Height == 0 {
		if p, ok := s.Quality.Preset(); ok {
			s.Width, s.Height = p.Width, p.Height
		}
	}
	s.Filename = strings.TrimSpace(s.Filename)
}

// Freeze returns an independent copy for the lifetime of one export.
func (s ExportSettings) Freeze() ExportSettings {
	return s
}

// FormatInfo returns the format table row, falling back to the default format.
func (s ExportSettings) FormatInfo() FormatInfo {
	if info, ok := s.Format.Info(); ok {
		return info
	}
	return formatTable[DefaultFormat]
}

// OutputName returns the filename with the format's extension appended.
func (s ExportSettings) OutputName() string {
	ext := s.FormatInfo().Extension
	if strings.HasSuffix(strings.ToLower(s.Filename), ext) {
		return s.Filename
	}
	return s.Filename + ext
}

// Validate checks every field and returns an error wrapping model.ErrValidation.
func (s ExportSettings) Validate() error {
	if err := ValidateFilename(s.Filename); err != nil {
		return err
	}
	if _, ok := s.Quality.Preset(); !ok {
		return model.Errorf(model.ErrValidation, "unknown quality %q", s.Quality)
	}
	if _, ok := s.Format.Info(); !ok {
		return model.Errorf(model.ErrValidation, "unknown format %q", s.Format)
	}
	switch s.Engine {
	case model.EngineAuto, model.EngineStandard, model.EngineSoftware, model.EngineNative:
	default:
		return model.Errorf(model.ErrValidation, "unknown engine %q", s.Engine)
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width > MaxDimension || s.Height > MaxDimension {
		return model.Errorf(model.ErrValidation, "invalid dimensions %dx%d", s.Width, s.Height)
	}
	// yuv420p requires even dimensions.
	if s.Width%2 != 0 || s.Height%2 != 0 {
		return model.Errorf(model.ErrValidation, "dimensions %dx%d must be even", s.Width, s.Height)
	}
	if s.FPS <= 0 || s.FPS > MaxFPS {
		return model.Errorf(model.ErrValidation, "fps %d out of range 1-%d", s.FPS, MaxFPS)
	}
	return nil
}

// ValidateFilename rejects empty names, over-long names, control characters
// and the disallowed character set.
func ValidateFilename(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return model.Errorf(model.ErrValidation, "filename is required")
	}
	if len(trimmed) > MaxFilenameLength {
		return model.Errorf(model.ErrValidation, "filename exceeds %d bytes", MaxFilenameLength)
	}
	if trimmed == "." || trimmed == ".." {
		return model.Errorf(model.ErrValidation, "filename %q is reserved", trimmed)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return model.Errorf(model.ErrValidation, "filename contains a control character")
		}
		if strings.ContainsRune(disallowedFilenameChars, r) {
			return model.Errorf(model.ErrValidation, "filename contains disallowed character %q", r)
		}
	}
	return nil
}

// String renders settings for log lines.
func (s ExportSettings) String() string {
	return fmt.Sprintf("%s %s %dx%d@%d engine=%s", s.Quality, s.Format, s.Width, s.Height, s.FPS, s.Engine)
}
