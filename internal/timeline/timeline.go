// Package timeline is the read-only view of a project's tracks, elements and
// overlay stickers that an export renders from.
package timeline

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/seantiz/cutline/internal/model"
)

// TrackKind classifies a track.
type TrackKind string

const (
	TrackMedia   TrackKind = "media"
	TrackText    TrackKind = "text"
	TrackAudio   TrackKind = "audio"
	TrackCaption TrackKind = "caption"
	TrackOverlay TrackKind = "overlay"
)

// ElementType classifies an element.
type ElementType string

const (
	ElementVideo   ElementType = "video"
	ElementImage   ElementType = "image"
	ElementAudio   ElementType = "audio"
	ElementText    ElementType = "text"
	ElementCaption ElementType = "caption"
)

// epsilon absorbs float noise when comparing interval bounds.
const epsilon = 1e-9

// MaxFontSize bounds text and caption font sizes, in pixels at 72 DPI.
const MaxFontSize = 2048

// VisualProps are the stored styling properties of an element.
type VisualProps struct {
	Text            string   `json:"text,omitempty"`
	FontSize        float64  `json:"font_size,omitempty"`
	Color           string   `json:"color,omitempty"`
	BackgroundColor string   `json:"background_color,omitempty"`
	TextAlign       string   `json:"text_align,omitempty"`
	X               float64  `json:"x,omitempty"`
	Y               float64  `json:"y,omitempty"`
	Opacity         *float64 `json:"opacity,omitempty"`
	Rotation        float64  `json:"rotation,omitempty"`
	Volume          *float64 `json:"volume,omitempty"`
}

// EffectiveOpacity returns Opacity clamped to [0,1], defaulting to 1.
func (v VisualProps) EffectiveOpacity() float64 {
	if v.Opacity == nil {
		return 1
	}
	return clamp01(*v.Opacity)
}

// EffectiveVolume returns Volume clamped to [0,1], defaulting to 1.
func (v VisualProps) EffectiveVolume() float64 {
	if v.Volume == nil {
		return 1
	}
	return clamp01(*v.Volume)
}

// Element is a timed unit placed on a track.
type Element struct {
	ID        string      `json:"id"`
	Type      ElementType `json:"type"`
	StartTime float64     `json:"start_time"`
	Duration  float64     `json:"duration"`
	TrimStart float64     `json:"trim_start"`
	TrimEnd   float64     `json:"trim_end"`
	MediaRef  string      `json:"media_ref,omitempty"`
	Visual    VisualProps `json:"visual"`
}

// End returns the exclusive end of the element's on-timeline interval.
func (e Element) End() float64 {
	return e.StartTime + e.Duration - e.TrimStart - e.TrimEnd
}

// EffectiveDuration returns the on-timeline length after trims.
func (e Element) EffectiveDuration() float64 {
	return e.Duration - e.TrimStart - e.TrimEnd
}

// Contains reports whether global time t falls inside [StartTime, End).
func (e Element) Contains(t float64) bool {
	return t >= e.StartTime-epsilon && t < e.End()-epsilon
}

// LocalTime maps global time t to the element's media time.
func (e Element) LocalTime(t float64) float64 {
	return t - e.StartTime + e.TrimStart
}

// IsVisual reports whether the element paints pixels.
func (e Element) IsVisual() bool {
	return e.Type != ElementAudio
}

// Validate checks the element's own fields.
func (e Element) Validate() error {
	switch e.Type {
	case ElementVideo, ElementImage, ElementAudio:
		if e.MediaRef == "" {
			return model.Errorf(model.ErrValidation, "element %s: %s element requires a media reference", e.ID, e.Type)
		}
	case ElementText, ElementCaption:
	default:
		return model.Errorf(model.ErrValidation, "element %s: unknown type %q", e.ID, e.Type)
	}
	if e.StartTime < 0 || e.TrimStart < 0 || e.TrimEnd < 0 {
		return model.Errorf(model.ErrValidation, "element %s: negative start or trim", e.ID)
	}
	if e.Visual.FontSize > MaxFontSize {
		return model.Errorf(model.ErrValidation, "element %s: font size %g exceeds %d", e.ID, e.Visual.FontSize, MaxFontSize)
	}
	if e.EffectiveDuration() <= epsilon {
		return model.Errorf(model.ErrValidation, "element %s: trims leave no visible duration", e.ID)
	}
	return nil
}

// Track is an ordered lane of non-overlapping elements.
type Track struct {
	ID       string    `json:"id"`
	Kind     TrackKind `json:"kind"`
	Elements []Element `json:"elements"`
}

// Overlaps reports whether two elements' effective intervals intersect.
func Overlaps(a, b Element) bool {
	return a.StartTime < b.End()-epsilon && b.StartTime < a.End()-epsilon
}

// CheckOverlap returns an error naming the first pair of overlapping elements.
func (tr Track) CheckOverlap() error {
	sorted := slices.Clone(tr.Elements)
	slices.SortFunc(sorted, func(a, b Element) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	for i := 1; i < len(sorted); i++ {
		if Overlaps(sorted[i-1], sorted[i]) {
			return model.Errorf(model.ErrValidation, "track %s: elements %s and %s overlap",
				tr.ID, sorted[i-1].ID, sorted[i].ID)
		}
	}
	return nil
}

// ActiveElement returns the at-most-one element whose interval contains t.
func (tr Track) ActiveElement(t float64) (Element, bool) {
	for _, e := range tr.Elements {
		if e.Contains(t) {
			return e, true
		}
	}
	return Element{}, false
}

// Duration returns the end of the track's last element.
func (tr Track) Duration() float64 {
	var end float64
	for _, e := range tr.Elements {
		end = math.Max(end, e.End())
	}
	return end
}

// Point is a position in percent of the frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a size in percent of the frame.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Timing is an optional sticker visibility window [StartTime, EndTime).
type Timing struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// OverlaySticker is a positioned layer independent of tracks.
type OverlaySticker struct {
	ID       string   `json:"id"`
	MediaRef string   `json:"media_ref"`
	Position Point    `json:"position"`
	Size     Size     `json:"size"`
	Rotation float64  `json:"rotation"`
	Opacity  *float64 `json:"opacity,omitempty"`
	ZIndex   int      `json:"z_index"`
	Timing   *Timing  `json:"timing,omitempty"`
}

// EffectiveOpacity returns Opacity clamped to [0,1], defaulting to 1.
func (s OverlaySticker) EffectiveOpacity() float64 {
	if s.Opacity == nil {
		return 1
	}
	return clamp01(*s.Opacity)
}

// VisibleAt reports whether the sticker is shown at time t.
func (s OverlaySticker) VisibleAt(t float64) bool {
	if s.Timing == nil {
		return true
	}
	return t >= s.Timing.StartTime-epsilon && t < s.Timing.EndTime-epsilon
}

// Snapshot is the read-only timeline an export renders. Tracks are in
// painter's order: Tracks[0] is painted first (back-most).
type Snapshot struct {
	Tracks   []Track          `json:"tracks"`
	Stickers []OverlaySticker `json:"stickers,omitempty"`
}

// Duration returns the timeline length: the latest element end on any track.
func (s Snapshot) Duration() float64 {
	var d float64
	for _, tr := range s.Tracks {
		d = math.Max(d, tr.Duration())
	}
	return d
}

// TotalFrames returns the number of frames rendered at fps.
func (s Snapshot) TotalFrames(fps int) int {
	return TotalFrames(s.Duration(), fps)
}

// TotalFrames returns ceil(duration*fps), at least 1 for a positive duration.
func TotalFrames(duration float64, fps int) int {
	if duration <= 0 || fps <= 0 {
		return 0
	}
	n := int(math.Ceil(duration*float64(fps) - epsilon))
	return max(n, 1)
}

// FrameTime derives the timestamp of frame index i. Time is always derived
// from the index, never the reverse, so rounding cannot accumulate.
func FrameTime(i, fps int) float64 {
	return float64(i) / float64(fps)
}

// FrameIndex returns round(t*fps).
func FrameIndex(t float64, fps int) int {
	return int(math.Round(t * float64(fps)))
}

// VisibleStickers returns the stickers shown at t in paint order: ascending
// z-index, ties broken by id.
func (s Snapshot) VisibleStickers(t float64) []OverlaySticker {
	var out []OverlaySticker
	for _, st := range s.Stickers {
		if st.VisibleAt(t) {
			out = append(out, st)
		}
	}
	slices.SortStableFunc(out, func(a, b OverlaySticker) int {
		if a.ZIndex != b.ZIndex {
			return a.ZIndex - b.ZIndex
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// HasAudio reports whether any track carries an audio element.
func (s Snapshot) HasAudio() bool {
	for _, tr := range s.Tracks {
		for _, e := range tr.Elements {
			if e.Type == ElementAudio {
				return true
			}
		}
	}
	return false
}

// MediaRefs returns every distinct media reference used by the snapshot.
func (s Snapshot) MediaRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, tr := range s.Tracks {
		for _, e := range tr.Elements {
			add(e.MediaRef)
		}
	}
	for _, st := range s.Stickers {
		add(st.MediaRef)
	}
	slices.Sort(refs)
	return refs
}

// Validate checks every element, the no-overlap invariant and a non-zero
// duration. Errors wrap model.ErrValidation.
func (s Snapshot) Validate() error {
	for _, tr := range s.Tracks {
		for _, e := range tr.Elements {
			if err := e.Validate(); err != nil {
				return err
			}
		}
		if err := tr.CheckOverlap(); err != nil {
			return err
		}
	}
	for _, st := range s.Stickers {
		if st.MediaRef == "" {
			return model.Errorf(model.ErrValidation, "sticker %s: media reference is required", st.ID)
		}
		if st.Timing != nil && st.Timing.EndTime <= st.Timing.StartTime {
			return model.Errorf(model.ErrValidation, "sticker %s: empty visibility window", st.ID)
		}
	}
	if s.Duration() <= epsilon {
		return model.Errorf(model.ErrValidation, "timeline duration is zero")
	}
	return nil
}

// String summarises the snapshot for log lines.
func (s Snapshot) String() string {
	var n int
	for _, tr := range s.Tracks {
		n += len(tr.Elements)
	}
	return fmt.Sprintf("%d tracks, %d elements, %d stickers, %.3fs", len(s.Tracks), n, len(s.Stickers), s.Duration())
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
