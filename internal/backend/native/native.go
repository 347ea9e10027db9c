// Package native implements the out-of-process engine. Frames are PNG encoded
// and staged on the native host over a framed Unix-socket protocol; the host
// runs a CLI encoder over them and the result is streamed back.
package native

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// cleanupTimeout bounds the calls Cancel makes after the export context is
// gone.
const cleanupTimeout = 5 * time.Second

// Capabilities of the native engine.
var Capabilities = backend.Capabilities{
	Kind:         model.EngineNative,
	Label:        "Native (CLI encoder)",
	Formats:      settings.Formats,
	OutOfProcess: true,
}

type rawFrame struct {
	index int
	frame *image.RGBA
}

type staged struct {
	index int
	data  []byte
}

// Backend drives one export on the native host.
type Backend struct {
	cfg    Config
	opts   backend.Options
	logger *slog.Logger
	dial   func(ctx context.Context) (*Client, error)

	mu         sync.Mutex
	settings   settings.ExportSettings
	client     *Client
	session    SessionInfo
	onProgress backend.ProgressFunc

	group    *errgroup.Group
	gctx     context.Context
	stopMu   sync.Mutex
	stop     context.CancelFunc
	raw      chan rawFrame
	inClosed bool
	next     int
	saved    int

	cleanupOnce sync.Once
	stagedPath  string
	done        bool
}

// New creates an unconfigured native engine that dials cfg.SocketPath.
func New(cfg Config, opts backend.Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Backend{cfg: cfg, opts: opts, logger: logger.With("engine", model.EngineNative)}
	b.dial = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, cfg.SocketPath, b.logger)
	}
	return b
}

// NewWithClient creates an engine over an existing connection. The engine
// takes ownership of client.
func NewWithClient(cfg Config, opts backend.Options, client *Client) *Backend {
	b := New(cfg, opts)
	b.dial = func(context.Context) (*Client, error) { return client, nil }
	return b
}

// Constructor returns a factory constructor bound to cfg.
func Constructor(cfg Config) backend.Constructor {
	return func(opts backend.Options) (backend.Backend, error) {
		return New(cfg, opts), nil
	}
}

func (b *Backend) Kind() string { return model.EngineNative }

func (b *Backend) Capabilities() backend.Capabilities { return Capabilities }

// SetEncoderProgress registers the receiver of encoder progress pushes.
func (b *Backend) SetEncoderProgress(fn backend.ProgressFunc) {
	b.mu.Lock()
	b.onProgress = fn
	b.mu.Unlock()
}

// Session returns the host session of the current export.
func (b *Backend) Session() SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Configure connects to the host, creates a session and starts the staging
// pipeline.
func (b *Backend) Configure(ctx context.Context, s settings.ExportSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !Capabilities.Supports(s.Format) {
		return model.Errorf(model.ErrValidation, "native engine cannot produce %s", s.Format)
	}
	client, err := b.dial(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.callTimeout())
	sess, err := client.CreateSession(callCtx)
	cancel()
	if err != nil {
		client.Close()
		return err
	}
	b.client = client
	b.session = sess
	b.settings = s

	runCtx, stop := context.WithCancel(context.Background())
	b.stopMu.Lock()
	b.stop = stop
	b.stopMu.Unlock()
	b.group, b.gctx = errgroup.WithContext(runCtx)
	b.raw = make(chan rawFrame, 1)
	encoded := make(chan staged, 1)

	// Frame i+1 is PNG encoded while frame i is being saved.
	b.group.Go(func() error { return b.encode(b.gctx, encoded) })
	b.group.Go(func() error { return b.save(b.gctx, encoded) })

	b.logger.Info("native session created", "session_id", sess.SessionID, "settings", s.String())
	return nil
}

// ConsumeFrame copies frame into the staging pipeline.
func (b *Backend) ConsumeFrame(ctx context.Context, frame *image.RGBA, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.raw == nil || b.inClosed {
		return model.Errorf(model.ErrResource, "native session is not open")
	}
	if index != b.next {
		return model.Errorf(model.ErrValidation, "frame %d out of order, expected %d", index, b.next)
	}
	cp := image.NewRGBA(frame.Bounds())
	copy(cp.Pix, frame.Pix)
	select {
	case b.raw <- rawFrame{index: index, frame: cp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.gctx.Done():
		return b.pipelineErr()
	}
	b.next++
	return nil
}

func (b *Backend) encode(ctx context.Context, out chan<- staged) error {
	defer close(out)
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	for f := range b.raw {
		var buf bytes.Buffer
		if err := enc.Encode(&buf, f.frame); err != nil {
			return model.Errorf(model.ErrResource, "encode frame %d: %v", f.index, err)
		}
		select {
		case out <- staged{index: f.index, data: buf.Bytes()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Backend) save(ctx context.Context, in <-chan staged) error {
	for f := range in {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.callTimeout())
		_, err := b.client.SaveFrame(callCtx, b.session.SessionID, FrameName(f.index), f.data)
		cancel()
		if err != nil {
			return err
		}
		saveFrameDuration.Observe(time.Since(start).Seconds())
		framesStaged.Inc()
		b.saved = f.index + 1
	}
	return nil
}

func (b *Backend) pipelineErr() error {
	err := context.Cause(b.gctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return model.Errorf(model.ErrResource, "frame staging stopped")
	}
	if model.KindOf(err) != model.KindInternal {
		return err
	}
	return model.Errorf(model.ErrResource, "frame staging: %v", err)
}

// Finalize waits for staging, runs the encoder, copies the result into the
// staging directory and cleans the host session.
func (b *Backend) Finalize(ctx context.Context) (backend.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.raw == nil || b.done {
		return backend.Artifact{}, model.Errorf(model.ErrResource, "native session is not open")
	}
	if !b.inClosed {
		close(b.raw)
		b.inClosed = true
	}
	if err := b.group.Wait(); err != nil {
		b.abortLocked(statusFailed)
		if model.KindOf(err) != model.KindInternal {
			return backend.Artifact{}, err
		}
		return backend.Artifact{}, model.Errorf(model.ErrResource, "frame staging: %v", err)
	}
	if b.saved == 0 {
		b.abortLocked(statusFailed)
		return backend.Artifact{}, model.Errorf(model.ErrResource, "no frames were staged")
	}

	if fn := b.onProgress; fn != nil {
		unsubscribe := b.client.OnProgress(b.session.SessionID, func(ev ProgressEvent) {
			fn(ev.Frame, ev.Time)
		})
		defer unsubscribe()
	}

	start := time.Now()
	res, err := b.client.ExportVideo(ctx, b.session.SessionID, ExportRequest{
		Width:   b.settings.Width,
		Height:  b.settings.Height,
		FPS:     b.settings.FPS,
		Quality: string(b.settings.Quality),
		Format:  string(b.settings.Format),
	})
	encodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			b.cancelEncoder()
		}
		b.abortLocked(statusFailed)
		return backend.Artifact{}, err
	}

	path, err := backend.StagePath(b.opts, model.EngineNative, b.settings.FormatInfo().Extension)
	if err != nil {
		b.abortLocked(statusFailed)
		return backend.Artifact{}, err
	}
	b.stagedPath = path
	if err := b.fetch(ctx, res.OutputFile, path); err != nil {
		b.abortLocked(statusFailed)
		return backend.Artifact{}, err
	}
	art, err := backend.StatArtifact(path, b.settings.FormatInfo())
	if err != nil {
		b.abortLocked(statusFailed)
		return backend.Artifact{}, err
	}

	b.cleanupSession()
	b.done = true
	exportsTotal.WithLabelValues(string(b.settings.Format), statusCompleted).Inc()
	b.logger.Info("native export finalized", "session_id", b.session.SessionID, "size", art.Size)
	return art, nil
}

func (b *Backend) fetch(ctx context.Context, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return model.Errorf(model.ErrResource, "create staged file: %v", err)
	}
	if err := b.client.CopyOutputFile(ctx, remote, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return model.Errorf(model.ErrResource, "close staged file: %v", err)
	}
	return nil
}

// Cancel stops staging, kills a running encoder, removes the host session
// and any staged file.
func (b *Backend) Cancel() {
	b.halt()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.cancelEncoder()
	b.abortLocked(statusCancelled)
}

func (b *Backend) cancelEncoder() {
	if b.client == nil || b.session.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := b.client.CancelExport(ctx, b.session.SessionID); err != nil {
		b.logger.Warn("cancel encoder", "session_id", b.session.SessionID, "error", err)
	}
}

// abortLocked tears down everything of a failed or cancelled export.
func (b *Backend) abortLocked(status string) {
	b.done = true
	b.halt()
	if b.raw != nil && !b.inClosed {
		close(b.raw)
		b.inClosed = true
	}
	if b.group != nil {
		b.group.Wait()
	}
	if b.stagedPath != "" {
		os.Remove(b.stagedPath)
	}
	b.cleanupSession()
	if b.settings.Format != "" {
		exportsTotal.WithLabelValues(string(b.settings.Format), status).Inc()
	}
}

// cleanupSession removes the host session and closes the connection. It runs
// at most once per export.
func (b *Backend) cleanupSession() {
	b.cleanupOnce.Do(func() {
		if b.client == nil {
			return
		}
		if b.session.SessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := b.client.CleanupSession(ctx, b.session.SessionID); err != nil {
				b.logger.Warn("cleanup session", "session_id", b.session.SessionID, "error", err)
			}
			cancel()
		}
		b.client.Close()
	})
}

func (b *Backend) halt() {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stop != nil {
		b.stop()
	}
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return c.CallTimeout
}
