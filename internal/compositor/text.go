package compositor

import (
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/seantiz/cutline/internal/timeline"
)

// Text defaults.
const (
	DefaultFontSize    = 48
	DefaultCaptionSize = 36
	textPadding        = 12
	captionMargin      = 0.08
)

var defaultCaptionBackground = color.RGBA{A: 153}

var (
	parsedFontOnce sync.Once
	parsedFont     *opentype.Font
	parsedFontErr  error
)

func goRegular() (*opentype.Font, error) {
	parsedFontOnce.Do(func() {
		parsedFont, parsedFontErr = opentype.Parse(goregular.TTF)
	})
	return parsedFont, parsedFontErr
}

// maxCachedBlocks bounds the rendered text blocks kept between frames.
const maxCachedBlocks = 64

// textKey identifies a rendered text block. Text is constant over an
// element's lifetime, so one rasterisation serves every frame it spans.
type textKey struct {
	text, align string
	size        float64
	fg, bg      color.RGBA
	boxed       bool
}

type faceCache struct {
	faces  map[float64]font.Face
	blocks map[textKey]*image.RGBA
}

func newFaceCache() *faceCache {
	return &faceCache{
		faces:  make(map[float64]font.Face),
		blocks: make(map[textKey]*image.RGBA),
	}
}

func (fc *faceCache) block(face font.Face, key textKey, fg, bg color.Color) *image.RGBA {
	if b, ok := fc.blocks[key]; ok {
		return b
	}
	if len(fc.blocks) >= maxCachedBlocks {
		clear(fc.blocks)
	}
	b := renderTextBlock(face, key.text, key.align, fg, bg)
	fc.blocks[key] = b
	return b
}

func (fc *faceCache) face(size float64) (font.Face, error) {
	if f, ok := fc.faces[size]; ok {
		return f, nil
	}
	fnt, err := goRegular()
	if err != nil {
		return nil, err
	}
	f, err := opentype.NewFace(fnt, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}
	fc.faces[size] = f
	return f, nil
}

// drawText renders a text or caption element. Captions anchor to the bottom
// centre and always carry a background box.
func (c *Compositor) drawText(dst *image.RGBA, e timeline.Element, caption bool) {
	v := e.Visual
	if strings.TrimSpace(v.Text) == "" {
		return
	}
	size := v.FontSize
	if size <= 0 {
		size = DefaultFontSize
		if caption {
			size = DefaultCaptionSize
		}
	}
	face, err := c.fonts.face(size)
	if err != nil {
		return
	}
	fg := parseColor(v.Color, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	var bg color.Color
	switch {
	case v.BackgroundColor != "":
		bg = parseColor(v.BackgroundColor, color.Transparent)
	case caption:
		bg = defaultCaptionBackground
	}
	key := textKey{text: v.Text, align: v.TextAlign, size: size, fg: toRGBA(fg), boxed: bg != nil}
	if bg != nil {
		key.bg = toRGBA(bg)
	}
	block := c.fonts.block(face, key, fg, bg)

	cx := float64(c.width)/2 + v.X
	cy := float64(c.height)/2 + v.Y
	if caption {
		bottom := float64(c.height) * (1 - captionMargin)
		cy = bottom - float64(block.Bounds().Dy())/2 + v.Y
	}
	place(dst, block, cx, cy, 1, v.Rotation, v.EffectiveOpacity())
}

// renderTextBlock rasterises text into its own image: one line per newline,
// aligned within the widest line, padded and optionally boxed.
func renderTextBlock(face font.Face, text, align string, fg, bg color.Color) *image.RGBA {
	lines := strings.Split(text, "\n")
	d := &font.Drawer{Face: face, Src: image.NewUniform(fg)}

	widths := make([]int, len(lines))
	maxW := 0
	for i, line := range lines {
		widths[i] = d.MeasureString(line).Ceil()
		maxW = max(maxW, widths[i])
	}
	metrics := face.Metrics()
	lineH := metrics.Height.Ceil()
	ascent := metrics.Ascent.Ceil()

	w := maxW + 2*textPadding
	h := lineH*len(lines) + 2*textPadding
	block := image.NewRGBA(image.Rect(0, 0, w, h))
	if bg != nil {
		draw.Draw(block, block.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	}

	d.Dst = block
	for i, line := range lines {
		x := textPadding
		switch align {
		case "left":
		case "right":
			x = w - textPadding - widths[i]
		default:
			x = (w - widths[i]) / 2
		}
		d.Dot = fixed.P(x, textPadding+i*lineH+ascent)
		d.DrawString(line)
	}
	return block
}

var namedColors = map[string]color.RGBA{
	"white":   {R: 255, G: 255, B: 255, A: 255},
	"black":   {A: 255},
	"red":     {R: 255, A: 255},
	"green":   {G: 128, A: 255},
	"blue":    {B: 255, A: 255},
	"yellow":  {R: 255, G: 255, A: 255},
	"gray":    {R: 128, G: 128, B: 128, A: 255},
	"grey":    {R: 128, G: 128, B: 128, A: 255},
	"orange":  {R: 255, G: 165, A: 255},
	"purple":  {R: 128, B: 128, A: 255},
	"magenta": {R: 255, B: 255, A: 255},
	"cyan":    {G: 255, B: 255, A: 255},
}

// parseColor accepts #rgb, #rrggbb, #rrggbbaa, "transparent" and a few CSS
// names, returning fallback for anything else.
func parseColor(s string, fallback color.Color) color.Color {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "transparent" {
		return color.Transparent
	}
	if c, ok := namedColors[s]; ok {
		return c
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return fallback
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return fallback
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return fallback
	}
	// Non-premultiplied input.
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}

func toRGBA(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}
