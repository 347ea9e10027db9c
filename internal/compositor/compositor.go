// Package compositor renders one frame of a timeline snapshot at a timestamp.
// Output is a pure function of the snapshot, the media library and t.
package compositor

import (
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/seantiz/cutline/internal/media"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/timeline"
)

// Background is the colour every frame is cleared to.
var Background = color.RGBA{A: 255}

// Compositor paints frames of a fixed size. Render is serialised; font faces
// are cached per size and are not safe for concurrent use.
type Compositor struct {
	width, height int
	lib           *media.Library

	mu    sync.Mutex
	fonts *faceCache
}

// New creates a compositor producing width x height frames from lib.
func New(lib *media.Library, width, height int) *Compositor {
	return &Compositor{
		width:  width,
		height: height,
		lib:    lib,
		fonts:  newFaceCache(),
	}
}

// Size returns the frame dimensions.
func (c *Compositor) Size() (int, int) { return c.width, c.height }

// Validate reports the first media reference that does not resolve. Audio
// elements must resolve to audio, visual elements and stickers to visuals.
func (c *Compositor) Validate(snap timeline.Snapshot) error {
	for _, tr := range snap.Tracks {
		for _, e := range tr.Elements {
			switch e.Type {
			case timeline.ElementVideo, timeline.ElementImage:
				if _, ok := c.lib.Visual(e.MediaRef); !ok {
					return model.Errorf(model.ErrValidation, "element %s: media %q not found", e.ID, e.MediaRef)
				}
			case timeline.ElementAudio:
				if _, ok := c.lib.Audio(e.MediaRef); !ok {
					return model.Errorf(model.ErrValidation, "element %s: audio %q not found", e.ID, e.MediaRef)
				}
			}
		}
	}
	for _, st := range snap.Stickers {
		if _, ok := c.lib.Visual(st.MediaRef); !ok {
			return model.Errorf(model.ErrValidation, "sticker %s: media %q not found", st.ID, st.MediaRef)
		}
	}
	return nil
}

// Render paints the frame at global time t into a new image.
func (c *Compositor) Render(snap timeline.Snapshot, t float64) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	c.RenderInto(dst, snap, t)
	return dst
}

// RenderInto paints the frame at t into dst, which must be width x height.
func (c *Compositor) RenderInto(dst *image.RGBA, snap timeline.Snapshot, t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	draw.Draw(dst, dst.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)

	for _, tr := range snap.Tracks {
		e, ok := tr.ActiveElement(t)
		if !ok || !e.IsVisual() {
			continue
		}
		switch e.Type {
		case timeline.ElementVideo, timeline.ElementImage:
			c.drawMedia(dst, e, t)
		case timeline.ElementText:
			c.drawText(dst, e, false)
		case timeline.ElementCaption:
			c.drawText(dst, e, true)
		}
	}

	for _, st := range snap.VisibleStickers(t) {
		c.drawSticker(dst, st, t)
	}
}

func (c *Compositor) drawMedia(dst *image.RGBA, e timeline.Element, t float64) {
	v, ok := c.lib.Visual(e.MediaRef)
	if !ok {
		return
	}
	src := v.FrameAt(e.LocalTime(t))
	sb := src.Bounds()
	if sb.Empty() {
		return
	}
	scale := math.Min(float64(c.width)/float64(sb.Dx()), float64(c.height)/float64(sb.Dy()))
	cx := float64(c.width)/2 + e.Visual.X
	cy := float64(c.height)/2 + e.Visual.Y
	place(dst, src, cx, cy, scale, e.Visual.Rotation, e.Visual.EffectiveOpacity())
}

func (c *Compositor) drawSticker(dst *image.RGBA, st timeline.OverlaySticker, t float64) {
	v, ok := c.lib.Visual(st.MediaRef)
	if !ok {
		return
	}
	src := v.FrameAt(stickerLocalTime(st, t))
	sb := src.Bounds()
	if sb.Empty() {
		return
	}
	boxW := st.Size.Width / 100 * float64(c.width)
	boxH := st.Size.Height / 100 * float64(c.height)
	if boxW <= 0 || boxH <= 0 {
		return
	}
	scale := math.Min(boxW/float64(sb.Dx()), boxH/float64(sb.Dy()))
	cx := st.Position.X / 100 * float64(c.width)
	cy := st.Position.Y / 100 * float64(c.height)
	place(dst, src, cx, cy, scale, st.Rotation, st.EffectiveOpacity())
}

func stickerLocalTime(st timeline.OverlaySticker, t float64) float64 {
	if st.Timing == nil {
		return t
	}
	return t - st.Timing.StartTime
}

// place draws src scaled by scale, rotated by degrees about its centre, with
// that centre landing on (cx, cy).
func place(dst *image.RGBA, src image.Image, cx, cy, scale, degrees, opacity float64) {
	if opacity <= 0 || scale <= 0 {
		return
	}
	sb := src.Bounds()
	var mask image.Image
	if opacity < 1 {
		mask = image.NewUniform(color.Alpha16{A: uint16(math.Round(opacity * 0xffff))})
	}

	if math.Mod(degrees, 360) == 0 && scale == 1 {
		// Unscaled, unrotated layers snap to the pixel grid.
		x := int(math.Round(cx - float64(sb.Dx())/2))
		y := int(math.Round(cy - float64(sb.Dy())/2))
		r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
		draw.DrawMask(dst, r, src, sb.Min, mask, image.Point{}, draw.Over)
		return
	}

	rad := degrees * math.Pi / 180
	sin, cos := math.Sincos(rad)
	scx := float64(sb.Min.X+sb.Max.X) / 2
	scy := float64(sb.Min.Y+sb.Max.Y) / 2
	a, b := scale*cos, -scale*sin
	d, e := scale*sin, scale*cos
	m := f64.Aff3{
		a, b, cx - a*scx - b*scy,
		d, e, cy - d*scx - e*scy,
	}
	var opts *draw.Options
	if mask != nil {
		opts = &draw.Options{SrcMask: mask}
	}
	draw.BiLinear.Transform(dst, m, src, sb, draw.Over, opts)
}
