// Package software implements the in-process pipelined encoder. Frames are
// copied into a bounded queue, encoded by a worker pool and written in exact
// index order, either as Motion JPEG AVI or as an animated GIF.
package software

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/icza/mjpeg"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/memory"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// Pipeline sizing. The memory estimate prices exactly these figures.
const (
	BufferDepth = memory.SoftwareBufferDepth
	Workers     = memory.SoftwareWorkers
)

// Capabilities of the software engine.
var Capabilities = backend.Capabilities{
	Kind:    model.EngineSoftware,
	Label:   "Software (in-process encoder)",
	Formats: []settings.Format{settings.FormatAVI, settings.FormatGIF},
}

type job struct {
	index int
	frame *image.RGBA
}

type result struct {
	index int
	jpeg  []byte
	pal   *image.Paletted
}

// Backend encodes frames on a worker pool.
type Backend struct {
	opts   backend.Options
	logger *slog.Logger

	mu       sync.Mutex
	settings settings.ExportSettings
	path     string
	avi      mjpeg.AviWriter
	gifs     []*image.Paletted

	group *errgroup.Group
	gctx  context.Context
	// stop has its own lock so Cancel can unblock a ConsumeFrame holding mu.
	stopMu sync.Mutex
	stop   context.CancelFunc

	jobs    chan job
	results chan result
	// tokens bounds the frames in flight between ConsumeFrame and the writer.
	tokens chan struct{}

	next       int
	written    int
	jobsClosed bool
	done       bool
}

// New creates an unconfigured software engine.
func New(opts backend.Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{opts: opts, logger: logger.With("engine", model.EngineSoftware)}
}

// Constructor adapts New for the factory.
func Constructor(opts backend.Options) (backend.Backend, error) {
	return New(opts), nil
}

// Probe performs a trial encode of a 2x2 frame.
func Probe(context.Context) error {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	if err := jpeg.Encode(io.Discard, img, nil); err != nil {
		return err
	}
	return gif.Encode(io.Discard, toPaletted(img), nil)
}

func (b *Backend) Kind() string { return model.EngineSoftware }

func (b *Backend) Capabilities() backend.Capabilities { return Capabilities }

// Configure opens the output and starts the pipeline.
func (b *Backend) Configure(_ context.Context, s settings.ExportSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !Capabilities.Supports(s.Format) {
		return model.Errorf(model.ErrValidation, "software engine cannot produce %s", s.Format)
	}
	path, err := backend.StagePath(b.opts, model.EngineSoftware, s.FormatInfo().Extension)
	if err != nil {
		return err
	}
	if s.Format == settings.FormatAVI {
		w, err := mjpeg.New(path, int32(s.Width), int32(s.Height), int32(s.FPS))
		if err != nil {
			return model.Errorf(model.ErrResource, "open avi writer: %v", err)
		}
		b.avi = w
	}
	b.settings = s
	b.path = path

	runCtx, stop := context.WithCancel(context.Background())
	b.stopMu.Lock()
	b.stop = stop
	b.stopMu.Unlock()
	b.group, b.gctx = errgroup.WithContext(runCtx)
	b.jobs = make(chan job, BufferDepth)
	b.results = make(chan result, Workers)
	b.tokens = make(chan struct{}, BufferDepth+Workers)

	var workers sync.WaitGroup
	for range Workers {
		workers.Add(1)
		b.group.Go(func() error {
			defer workers.Done()
			return b.work(b.gctx)
		})
	}
	b.group.Go(func() error {
		workers.Wait()
		close(b.results)
		return nil
	})
	b.group.Go(func() error { return b.write(b.gctx) })

	b.logger.Debug("pipeline started", "path", path, "workers", Workers, "depth", BufferDepth, "settings", s.String())
	return nil
}

// ConsumeFrame copies frame into the queue, blocking while the pipeline is
// full.
func (b *Backend) ConsumeFrame(ctx context.Context, frame *image.RGBA, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jobs == nil || b.jobsClosed {
		return model.Errorf(model.ErrResource, "encoder is not running")
	}
	if index != b.next {
		return model.Errorf(model.ErrValidation, "frame %d out of order, expected %d", index, b.next)
	}

	select {
	case b.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.gctx.Done():
		return b.pipelineErr()
	}

	cp := image.NewRGBA(frame.Bounds())
	copy(cp.Pix, frame.Pix)
	select {
	case b.jobs <- job{index: index, frame: cp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.gctx.Done():
		return b.pipelineErr()
	}
	b.next++
	return nil
}

// Finalize drains the pipeline and completes the container.
func (b *Backend) Finalize(context.Context) (backend.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jobs == nil || b.done {
		return backend.Artifact{}, model.Errorf(model.ErrResource, "encoder is not running")
	}
	b.closeJobs()
	if err := b.group.Wait(); err != nil {
		b.discardLocked()
		return backend.Artifact{}, model.Errorf(model.ErrResource, "encode pipeline: %v", err)
	}
	if b.written == 0 || b.written != b.next {
		b.discardLocked()
		return backend.Artifact{}, model.Errorf(model.ErrResource, "encoded %d of %d frames", b.written, b.next)
	}

	var err error
	if b.avi != nil {
		err = b.avi.Close()
		b.avi = nil
	} else {
		err = b.writeGIF()
	}
	b.done = true
	b.halt()
	if err != nil {
		os.Remove(b.path)
		return backend.Artifact{}, model.Errorf(model.ErrResource, "finish %s: %v", b.settings.Format, err)
	}
	art, err := backend.StatArtifact(b.path, b.settings.FormatInfo())
	if err != nil {
		os.Remove(b.path)
		return backend.Artifact{}, err
	}
	b.logger.Debug("pipeline finalized", "frames", b.written, "size", art.Size)
	return art, nil
}

// Cancel stops the workers and deletes the partial output.
func (b *Backend) Cancel() {
	b.halt()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.jobs == nil {
		b.done = true
		return
	}
	b.closeJobs()
	b.group.Wait()
	b.discardLocked()
}

func (b *Backend) halt() {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stop != nil {
		b.stop()
	}
}

func (b *Backend) closeJobs() {
	if !b.jobsClosed {
		close(b.jobs)
		b.jobsClosed = true
	}
}

func (b *Backend) discardLocked() {
	b.done = true
	b.halt()
	if b.avi != nil {
		b.avi.Close()
		b.avi = nil
	}
	b.gifs = nil
	if b.path != "" {
		os.Remove(b.path)
	}
}

func (b *Backend) pipelineErr() error {
	if err := context.Cause(b.gctx); err != nil && !errors.Is(err, context.Canceled) {
		return model.Errorf(model.ErrResource, "encode pipeline: %v", err)
	}
	return model.Errorf(model.ErrResource, "encode pipeline stopped")
}

func (b *Backend) work(ctx context.Context) error {
	quality := backend.JPEGQuality(b.settings.Quality)
	gifMode := b.settings.Format == settings.FormatGIF
	for j := range b.jobs {
		var r result
		r.index = j.index
		if gifMode {
			r.pal = toPaletted(j.frame)
		} else {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, j.frame, &jpeg.Options{Quality: quality}); err != nil {
				return err
			}
			r.jpeg = buf.Bytes()
		}
		select {
		case b.results <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// write appends results in index order, holding early arrivals until their
// predecessors land.
func (b *Backend) write(ctx context.Context) error {
	pending := make(map[int]result)
	next := 0
	for r := range b.results {
		pending[r.index] = r
		for {
			cur, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if cur.pal != nil {
				b.gifs = append(b.gifs, cur.pal)
			} else if err := b.avi.AddFrame(cur.jpeg); err != nil {
				return err
			}
			next++
			b.written = next
			select {
			case <-b.tokens:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *Backend) writeGIF() error {
	f, err := os.Create(b.path)
	if err != nil {
		return err
	}
	delay := max(1, 100/max(b.settings.FPS, 1))
	delays := make([]int, len(b.gifs))
	for i := range delays {
		delays[i] = delay
	}
	err = gif.EncodeAll(f, &gif.GIF{
		Image:  b.gifs,
		Delay:  delays,
		Config: image.Config{Width: b.settings.Width, Height: b.settings.Height},
	})
	b.gifs = nil
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func toPaletted(src *image.RGBA) *image.Paletted {
	dst := image.NewPaletted(src.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(dst, src.Bounds(), src, src.Bounds().Min)
	return dst
}
