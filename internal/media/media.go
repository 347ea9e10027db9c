// Package media resolves the media references a timeline uses into decoded
// stills, frame sequences and PCM audio.
package media

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/cutline/internal/model"
)

// Kind classifies a media asset on disk.
type Kind string

const (
	KindImage    Kind = "image"
	KindSequence Kind = "sequence"
	KindGIF      Kind = "gif"
	KindAudio    Kind = "audio"
)

// Spec names one asset to load, relative to the library root.
type Spec struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
	// FPS is the frame rate of a sequence directory.
	FPS int `json:"fps,omitempty"`
}

// Visual is anything the compositor can sample a picture from.
type Visual interface {
	// FrameAt returns the picture at local media time t (seconds).
	FrameAt(t float64) image.Image
	Bounds() image.Rectangle
}

// Library maps media references to loaded assets. It is safe for concurrent
// reads once populated.
type Library struct {
	root string

	mu      sync.RWMutex
	visuals map[string]Visual
	audio   map[string]*Audio
}

// NewLibrary returns an empty library rooted at root. An empty root disables
// loading from disk.
func NewLibrary(root string) *Library {
	return &Library{
		root:    root,
		visuals: make(map[string]Visual),
		audio:   make(map[string]*Audio),
	}
}

// Open creates a library and loads every spec. Failures wrap
// model.ErrValidation since they mean a timeline reference cannot resolve.
func Open(root string, specs []Spec) (*Library, error) {
	lib := NewLibrary(root)
	for _, s := range specs {
		if err := lib.Load(s); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Load decodes one asset and registers it under s.ID.
func (l *Library) Load(s Spec) error {
	if s.ID == "" {
		return model.Errorf(model.ErrValidation, "media id is required")
	}
	path, err := l.resolvePath(s.Path)
	if err != nil {
		return err
	}
	switch s.Kind {
	case KindImage, "":
		img, err := DecodeImageFile(path)
		if err != nil {
			return model.Errorf(model.ErrValidation, "media %s: %v", s.ID, err)
		}
		l.AddVisual(s.ID, Still{Image: img})
	case KindGIF:
		anim, err := DecodeGIFFile(path)
		if err != nil {
			return model.Errorf(model.ErrValidation, "media %s: %v", s.ID, err)
		}
		l.AddVisual(s.ID, anim)
	case KindSequence:
		seq, err := OpenSequence(path, s.FPS)
		if err != nil {
			return model.Errorf(model.ErrValidation, "media %s: %v", s.ID, err)
		}
		l.AddVisual(s.ID, seq)
	case KindAudio:
		a, err := DecodeWAVFile(path)
		if err != nil {
			return model.Errorf(model.ErrValidation, "media %s: %v", s.ID, err)
		}
		l.AddAudio(s.ID, a)
	default:
		return model.Errorf(model.ErrValidation, "media %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// AddVisual registers an in-memory visual.
func (l *Library) AddVisual(ref string, v Visual) {
	l.mu.Lock()
	l.visuals[ref] = v
	l.mu.Unlock()
}

// AddAudio registers in-memory audio.
func (l *Library) AddAudio(ref string, a *Audio) {
	l.mu.Lock()
	l.audio[ref] = a
	l.mu.Unlock()
}

// Visual returns the visual registered under ref.
func (l *Library) Visual(ref string) (Visual, bool) {
	if l == nil {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.visuals[ref]
	return v, ok
}

// Audio returns the audio registered under ref.
func (l *Library) Audio(ref string) (*Audio, bool) {
	if l == nil {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.audio[ref]
	return a, ok
}

// Has reports whether ref resolves to any asset.
func (l *Library) Has(ref string) bool {
	if _, ok := l.Visual(ref); ok {
		return true
	}
	_, ok := l.Audio(ref)
	return ok
}

// Refs lists every registered reference, sorted.
func (l *Library) Refs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	refs := make([]string, 0, len(l.visuals)+len(l.audio))
	for ref := range l.visuals {
		refs = append(refs, ref)
	}
	for ref := range l.audio {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return slices.Compact(refs)
}

// resolvePath joins rel onto the root and refuses paths that escape it.
func (l *Library) resolvePath(rel string) (string, error) {
	if l.root == "" {
		return "", model.Errorf(model.ErrValidation, "media loading from disk is disabled")
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", model.Errorf(model.ErrValidation, "media path %q must be relative to the media directory", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", model.Errorf(model.ErrValidation, "media path %q escapes the media directory", rel)
	}
	full := filepath.Join(l.root, clean)
	if _, err := os.Stat(full); err != nil {
		return "", model.Errorf(model.ErrValidation, "media path %q: %v", rel, err)
	}
	return full, nil
}

// Still is a single image shown for the whole element.
type Still struct {
	Image image.Image
}

// FrameAt returns the image regardless of t.
func (s Still) FrameAt(float64) image.Image { return s.Image }

// Bounds returns the image bounds.
func (s Still) Bounds() image.Rectangle { return s.Image.Bounds() }

func (s Still) String() string {
	return fmt.Sprintf("still %dx%d", s.Image.Bounds().Dx(), s.Image.Bounds().Dy())
}
