package media

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeImageFile decodes a still in any registered format.
func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Animation is a fully composed animated GIF.
type Animation struct {
	frames []*image.RGBA
	// ends[i] is the time at which frame i stops being shown.
	ends []float64
}

// DecodeGIFFile decodes and pre-composes every frame of an animated GIF.
func DecodeGIFFile(path string) (*Animation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gif: %w", err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("decode gif %s: %w", filepath.Base(path), err)
	}
	return NewAnimation(g), nil
}

// NewAnimation composes the frames of g, honouring the background and
// previous disposal methods.
func NewAnimation(g *gif.GIF) *Animation {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() && len(g.Image) > 0 {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	a := &Animation{}
	var t float64
	for i, frame := range g.Image {
		var previous *image.RGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		a.frames = append(a.frames, cloneRGBA(canvas))

		delay := 10
		if i < len(g.Delay) && g.Delay[i] > 0 {
			delay = g.Delay[i]
		}
		t += float64(delay) / 100
		a.ends = append(a.ends, t)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return a
}

// FrameAt returns the frame shown at t, looping over the animation.
func (a *Animation) FrameAt(t float64) image.Image {
	if len(a.frames) == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	total := a.ends[len(a.ends)-1]
	if t < 0 {
		t = 0
	}
	t = math.Mod(t, total)
	i, _ := slices.BinarySearch(a.ends, t)
	if i < len(a.ends) && a.ends[i] == t {
		i++
	}
	return a.frames[min(i, len(a.frames)-1)]
}

// Bounds returns the logical screen bounds.
func (a *Animation) Bounds() image.Rectangle {
	if len(a.frames) == 0 {
		return image.Rectangle{}
	}
	return a.frames[0].Bounds()
}

// Len returns the number of frames.
func (a *Animation) Len() int { return len(a.frames) }

// Duration returns the length of one loop in seconds.
func (a *Animation) Duration() float64 {
	if len(a.ends) == 0 {
		return 0
	}
	return a.ends[len(a.ends)-1]
}

var sequenceExts = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tiff"}

// Sequence is a directory of numbered frames standing in for a video clip.
// Frames decode lazily and the most recent one is cached.
type Sequence struct {
	paths  []string
	fps    int
	bounds image.Rectangle

	mu       sync.Mutex
	cachedAt int
	cached   image.Image
}

// OpenSequence lists the frames in dir in lexical order.
func OpenSequence(dir string, fps int) (*Sequence, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("sequence fps must be positive, got %d", fps)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sequence dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(sequenceExts, strings.ToLower(filepath.Ext(e.Name()))) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("sequence dir %s has no frames", filepath.Base(dir))
	}
	slices.Sort(paths)
	first, err := DecodeImageFile(paths[0])
	if err != nil {
		return nil, err
	}
	return &Sequence{paths: paths, fps: fps, bounds: first.Bounds(), cachedAt: 0, cached: first}, nil
}

// FrameAt returns frame floor(t*fps), holding the last frame past the end.
// A frame that fails to decode renders as transparent.
func (s *Sequence) FrameAt(t float64) image.Image {
	i := int(math.Floor(t*float64(s.fps) + 1e-9))
	i = min(max(i, 0), len(s.paths)-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cachedAt == i {
		return s.cached
	}
	img, err := DecodeImageFile(s.paths[i])
	if err != nil {
		return image.NewRGBA(s.bounds)
	}
	s.cachedAt, s.cached = i, img
	return img
}

// Bounds returns the bounds of the first frame.
func (s *Sequence) Bounds() image.Rectangle { return s.bounds }

// Len returns the number of frames.
func (s *Sequence) Len() int { return len(s.paths) }

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
