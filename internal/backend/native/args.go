package native

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/seantiz/cutline/internal/settings"
)

// FramePattern names staged frames: zero based, four digits.
const FramePattern = "frame-%04d.png"

// FrameName returns the staged file name of frame index i.
func FrameName(i int) string {
	return fmt.Sprintf(FramePattern, i)
}

// EncoderPreset is one row of the encoder quality table.
type EncoderPreset struct {
	CRF    int    `json:"crf"`
	Preset string `json:"preset"`
}

var encoderPresets = map[settings.Quality]EncoderPreset{
	settings.QualityHigh:   {CRF: 18, Preset: "slow"},
	settings.QualityMedium: {CRF: 23, Preset: "fast"},
	settings.QualityLow:    {CRF: 28, Preset: "veryfast"},
}

// PresetFor returns the encoder preset of q, defaulting to medium.
func PresetFor(q settings.Quality) EncoderPreset {
	if p, ok := encoderPresets[q]; ok {
		return p
	}
	return encoderPresets[settings.QualityMedium]
}

// EncodeParams are the inputs of one encoder run.
type EncodeParams struct {
	FrameDir string
	Output   string
	Width    int
	Height   int
	FPS      int
	Quality  settings.Quality
	Format   settings.Format
}

// OutputFileName returns the encoder output name for format.
func OutputFileName(format settings.Format) string {
	info, ok := format.Info()
	if !ok {
		info, _ = settings.DefaultFormat.Info()
	}
	return "output" + info.Extension
}

// BuildArgs returns the encoder argument list. The order is fixed:
// -y, -framerate, -i, -c:v, -preset, -crf, -vf, -pix_fmt, -movflags, output.
func BuildArgs(p EncodeParams) []string {
	info, ok := p.Format.Info()
	if !ok {
		info, _ = settings.DefaultFormat.Info()
	}
	preset := PresetFor(p.Quality)
	return []string{
		"-y",
		"-framerate", strconv.Itoa(p.FPS),
		"-i", filepath.Join(p.FrameDir, FramePattern),
		"-c:v", info.Codec,
		"-preset", preset.Preset,
		"-crf", strconv.Itoa(preset.CRF),
		"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
		"-pix_fmt", info.PixFmt,
		"-movflags", "+faststart",
		p.Output,
	}
}
