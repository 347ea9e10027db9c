// Package standard implements the real-time capture engine: every frame is
// painted onto a single surface that a recorder samples at the export frame
// rate, producing a Motion JPEG AVI.
package standard

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"sync"

	"github.com/icza/mjpeg"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// Capabilities of the standard engine.
var Capabilities = backend.Capabilities{
	Kind:     model.EngineStandard,
	Label:    "Standard (real-time recorder)",
	Formats:  []settings.Format{settings.FormatAVI},
	Realtime: true,
}

// Backend records frames at real-time cadence.
type Backend struct {
	opts   backend.Options
	logger *slog.Logger

	mu       sync.Mutex
	settings settings.ExportSettings
	surface  *image.RGBA
	limiter  *rate.Limiter
	writer   mjpeg.AviWriter
	path     string
	buf      bytes.Buffer
	next     int
	done     bool
}

// New creates an unconfigured standard engine.
func New(opts backend.Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{opts: opts, logger: logger.With("engine", model.EngineStandard)}
}

// Constructor adapts New for the factory.
func Constructor(opts backend.Options) (backend.Backend, error) {
	return New(opts), nil
}

func (b *Backend) Kind() string { return model.EngineStandard }

func (b *Backend) Capabilities() backend.Capabilities { return Capabilities }

// Configure allocates the surface, the pacing limiter and the AVI writer.
func (b *Backend) Configure(_ context.Context, s settings.ExportSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !Capabilities.Supports(s.Format) {
		return model.Errorf(model.ErrValidation, "standard engine cannot produce %s", s.Format)
	}
	path, err := backend.StagePath(b.opts, model.EngineStandard, s.FormatInfo().Extension)
	if err != nil {
		return err
	}
	w, err := mjpeg.New(path, int32(s.Width), int32(s.Height), int32(s.FPS))
	if err != nil {
		return model.Errorf(model.ErrResource, "open recorder: %v", err)
	}
	b.settings = s
	b.surface = image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	b.limiter = rate.NewLimiter(rate.Limit(s.FPS), 1)
	b.writer = w
	b.path = path
	b.next = 0
	b.logger.Debug("recorder configured", "path", path, "settings", s.String())
	return nil
}

// ConsumeFrame paints frame onto the surface and waits for the recorder's
// next capture tick before sampling it.
func (b *Backend) ConsumeFrame(ctx context.Context, frame *image.RGBA, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil || b.done {
		return model.Errorf(model.ErrResource, "recorder is not configured")
	}
	if index != b.next {
		return model.Errorf(model.ErrValidation, "frame %d out of order, expected %d", index, b.next)
	}
	draw.Draw(b.surface, b.surface.Bounds(), frame, frame.Bounds().Min, draw.Src)

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	b.buf.Reset()
	if err := jpeg.Encode(&b.buf, b.surface, &jpeg.Options{Quality: backend.JPEGQuality(b.settings.Quality)}); err != nil {
		return model.Errorf(model.ErrResource, "capture frame %d: %v", index, err)
	}
	if err := b.writer.AddFrame(b.buf.Bytes()); err != nil {
		return model.Errorf(model.ErrResource, "record frame %d: %v", index, err)
	}
	b.next++
	return nil
}

// Finalize stops the recorder and returns the staged AVI.
func (b *Backend) Finalize(context.Context) (backend.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil || b.done {
		return backend.Artifact{}, model.Errorf(model.ErrResource, "recorder is not configured")
	}
	if b.next == 0 {
		b.discardLocked()
		return backend.Artifact{}, model.Errorf(model.ErrResource, "no frames were recorded")
	}
	err := b.writer.Close()
	b.writer = nil
	b.done = true
	if err != nil {
		os.Remove(b.path)
		return backend.Artifact{}, model.Errorf(model.ErrResource, "close recorder: %v", err)
	}
	art, err := backend.StatArtifact(b.path, b.settings.FormatInfo())
	if err != nil {
		os.Remove(b.path)
		return backend.Artifact{}, err
	}
	b.logger.Debug("recorder finalized", "frames", b.next, "size", art.Size)
	return art, nil
}

// Cancel stops recording and deletes the partial file. After a successful
// Finalize the artifact belongs to the caller and is left alone.
func (b *Backend) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.discardLocked()
}

func (b *Backend) discardLocked() {
	b.done = true
	if b.writer != nil {
		b.writer.Close()
		b.writer = nil
	}
	if b.path != "" {
		os.Remove(b.path)
	}
	b.surface = nil
}
