package exporter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/cutline/internal/audiomix"
	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/compositor"
	"github.com/seantiz/cutline/internal/media"
	"github.com/seantiz/cutline/internal/memory"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/progress"
	"github.com/seantiz/cutline/internal/settings"
	"github.com/seantiz/cutline/internal/store"
	"github.com/seantiz/cutline/internal/timeline"
)

// DefaultYieldEvery is how many frames are rendered between cooperative
// yields of the rendering loop.
const DefaultYieldEvery = 8

// ErrNotActive is returned by Cancel when the export is not running.
var ErrNotActive = errors.New("export is not running")

// Request is one export: the user's settings, the timeline snapshot and the
// media it references.
type Request struct {
	Settings settings.ExportSettings
	Timeline timeline.Snapshot
	Media    *media.Library
}

// Options configures an Orchestrator.
type Options struct {
	// OutputDir receives finished artifacts.
	OutputDir string
	// StagingDir receives engine output before promotion. It defaults to a
	// hidden directory inside OutputDir so that promotion is a rename.
	StagingDir string
	YieldEvery int
}

// Orchestrator runs one export at a time.
type Orchestrator struct {
	store   store.Store
	factory *backend.Factory
	opts    Options
	logger  *slog.Logger
	broker  *ProgressBroker
	wg      sync.WaitGroup

	mu     sync.Mutex
	active *job
}

type job struct {
	export   model.Export
	req      Request
	kind     string
	estimate memory.Estimate

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	reporter  *progress.Reporter
	seq       atomic.Int32
}

// New creates an orchestrator.
func New(s store.Store, f *backend.Factory, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(opts.OutputDir, ".staging")
	}
	if opts.YieldEvery <= 0 {
		opts.YieldEvery = DefaultYieldEvery
	}
	return &Orchestrator{
		store:   s,
		factory: f,
		opts:    opts,
		logger:  logger,
		broker:  NewProgressBroker(),
	}
}

// Broker returns the progress broker for streaming subscriptions.
func (o *Orchestrator) Broker() *ProgressBroker {
	return o.broker
}

// Factory returns the engine factory.
func (o *Orchestrator) Factory() *backend.Factory {
	return o.factory
}

// Active returns the id of the running export, if any.
func (o *Orchestrator) Active() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", false
	}
	return o.active.export.ID, true
}

// Progress returns the latest progress of an export.
func (o *Orchestrator) Progress(id string) (progress.Progress, bool) {
	return o.broker.Last(id)
}

// Submit validates and admits the request, records it and starts the export
// in a goroutine. The returned record has status idle.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*model.Export, error) {
	j, err := o.prepare(ctx, context.Background(), req)
	if err != nil {
		return nil, err
	}
	rec := j.export
	o.wg.Go(func() {
		o.execute(j)
	})
	return &rec, nil
}

// Run is Submit followed by waiting for the export. Cancelling ctx cancels
// the export. It returns the final record.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.Export, error) {
	j, err := o.prepare(ctx, ctx, req)
	if err != nil {
		return nil, err
	}
	o.execute(j)
	return o.store.GetExport(context.Background(), j.export.ID)
}

// Wait blocks until all in-flight exports complete.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Cancel asks the running export to stop. Frame production stops at the next
// frame boundary and the engine discards its partial output.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	j := o.active
	o.mu.Unlock()
	if j == nil || j.export.ID != id {
		return ErrNotActive
	}
	if j.cancelled.CompareAndSwap(false, true) {
		o.logger.Info("export cancel requested", "export_id", id)
		j.cancel()
	}
	return nil
}

// Plan is the outcome of admission for a request that has not started.
type Plan struct {
	Engine      string          `json:"engine"`
	TotalFrames int             `json:"total_frames"`
	DurationS   float64         `json:"duration_s"`
	Estimate    memory.Estimate `json:"estimate"`
}

// Check runs every pre-export check of req without starting it.
func (o *Orchestrator) Check(ctx context.Context, req Request) (Plan, error) {
	s := req.Settings.Freeze()
	if err := s.Validate(); err != nil {
		return Plan{}, err
	}
	if err := req.Timeline.Validate(); err != nil {
		return Plan{}, err
	}
	lib := req.Media
	if lib == nil {
		lib = media.NewLibrary("")
	}
	if err := compositor.New(lib, s.Width, s.Height).Validate(req.Timeline); err != nil {
		return Plan{}, err
	}
	dur := req.Timeline.Duration()
	kind, err := o.factory.Resolve(ctx, s, dur)
	if err != nil {
		return Plan{}, err
	}
	est, err := memory.Admit(s, kind, dur)
	return Plan{Engine: kind, DurationS: dur, TotalFrames: req.Timeline.TotalFrames(s.FPS), Estimate: est}, err
}

// prepare checks the request and claims the single export slot. Nothing is
// created on disk or in the history when a check fails.
func (o *Orchestrator) prepare(ctx, runCtx context.Context, req Request) (*job, error) {
	plan, err := o.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	req.Settings = req.Settings.Freeze()
	if req.Media == nil {
		req.Media = media.NewLibrary("")
	}
	s := req.Settings

	jctx, cancel := context.WithCancel(runCtx)
	j := &job{
		export: model.Export{
			ID:          model.NewID(),
			Status:      model.StatusIdle,
			Engine:      plan.Engine,
			Quality:     string(s.Quality),
			Format:      string(s.Format),
			Filename:    s.OutputName(),
			Width:       s.Width,
			Height:      s.Height,
			FPS:         s.FPS,
			DurationS:   plan.DurationS,
			TotalFrames: plan.TotalFrames,
			CreatedAt:   time.Now().UTC(),
		},
		req:      req,
		kind:     plan.Engine,
		estimate: plan.Estimate,
		ctx:      jctx,
		cancel:   cancel,
	}
	j.reporter = progress.NewReporter(progress.WithCallback(func(p progress.Progress) {
		o.broker.Publish(j.export.ID, p)
	}))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		cancel()
		return nil, model.Errorf(model.ErrExportInProgress, "export %s is running", o.active.export.ID)
	}
	if err := o.store.CreateExport(ctx, &j.export); err != nil {
		cancel()
		return nil, fmt.Errorf("create export: %w", err)
	}
	o.active = j
	exportActive.Set(1)
	return j, nil
}

// execute runs the export lifecycle:
// idle→preparing→rendering→finalizing→complete/error/cancelled.
func (o *Orchestrator) execute(j *job) {
	defer func() {
		j.cancel()
		o.broker.Close(j.export.ID)
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		exportActive.Set(0)
	}()

	logger := o.logger.With("export_id", j.export.ID, "engine", j.kind)
	start := time.Now()
	s := j.req.Settings
	total := j.export.TotalFrames

	j.reporter.Start(total, s.FPS, model.StatusPreparing)
	if err := o.transition(j, model.StatusPreparing); err != nil {
		o.finish(j, nil, start, err)
		return
	}
	o.event(j, fmt.Sprintf("preparing %s with the %s engine, %d frames, memory estimate %s (%s)",
		s.String(), j.kind, total, j.estimate.Human, j.estimate.WarningLevel))
	logger.Info("export started", "settings", s.String(), "frames", total)

	b, err := o.factory.New(j.kind, backend.Options{StagingDir: o.opts.StagingDir, Logger: logger})
	if err != nil {
		o.finish(j, nil, start, err)
		return
	}
	if err := b.Configure(j.ctx, s); err != nil {
		o.finish(j, b, start, err)
		return
	}
	encoderDriven, err := o.progressSource(j, b)
	if err != nil {
		o.finish(j, b, start, err)
		return
	}

	if err := o.transition(j, model.StatusRendering); err != nil {
		o.finish(j, b, start, err)
		return
	}
	j.reporter.SetStatus(model.StatusRendering)
	if err := o.render(j, b); err != nil {
		o.finish(j, b, start, err)
		return
	}

	if err := o.transition(j, model.StatusFinalizing); err != nil {
		o.finish(j, b, start, err)
		return
	}
	if encoderDriven {
		j.reporter.Phase(model.StatusFinalizing)
	} else {
		j.reporter.SetStatus(model.StatusFinalizing)
	}
	art, err := b.Finalize(j.ctx)
	if err != nil {
		o.finish(j, b, start, err)
		return
	}
	if j.cancelled.Load() {
		os.Remove(art.Path)
		o.finish(j, b, start, model.ErrCancelled)
		return
	}

	audioPath, err := o.mixAudio(j)
	if err != nil {
		os.Remove(art.Path)
		o.finish(j, b, start, err)
		return
	}
	final, finalAudio, err := o.promote(j, art.Path, audioPath)
	if err != nil {
		os.Remove(art.Path)
		if audioPath != "" {
			os.Remove(audioPath)
		}
		o.finish(j, b, start, err)
		return
	}

	j.export.OutputPath = final
	j.export.OutputSize = art.Size
	j.export.AudioPath = finalAudio
	o.event(j, fmt.Sprintf("complete: %s (%d bytes)", filepath.Base(final), art.Size))
	o.finish(j, b, start, nil)
}

// progressSource decides which signal feeds the reporter while the engine
// finalizes. It reports whether the encoder drives progress.
func (o *Orchestrator) progressSource(j *job, b backend.Backend) (bool, error) {
	switch j.kind {
	case model.EngineNative:
		ep, ok := b.(backend.EncoderProgress)
		if !ok {
			return false, nil
		}
		var last atomic.Int64
		ep.SetEncoderProgress(func(frame int, timeSeconds float64) {
			j.reporter.EncoderUpdate(frame, timeSeconds)
			// One history line per second of encoded media.
			if sec := int64(timeSeconds); sec > last.Load() {
				last.Store(sec)
				o.event(j, fmt.Sprintf("encoder frame=%d time=%.2f", frame, timeSeconds))
			}
		})
		return true, nil
	case model.EngineSoftware, model.EngineStandard:
		// Encoding overlaps rendering; the frame counter is the only signal.
		return false, nil
	default:
		return false, model.Errorf(model.ErrEngineUnavailable, "unknown engine kind %q", j.kind)
	}
}

// render composites every frame into the engine, stopping at the first
// frame boundary after cancellation.
func (o *Orchestrator) render(j *job, b backend.Backend) error {
	s := j.req.Settings
	comp := compositor.New(j.req.Media, s.Width, s.Height)
	frame := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	total := j.export.TotalFrames

	for i := range total {
		if j.cancelled.Load() {
			return model.ErrCancelled
		}
		if err := j.ctx.Err(); err != nil {
			return err
		}
		comp.RenderInto(frame, j.req.Timeline, timeline.FrameTime(i, s.FPS))
		if err := b.ConsumeFrame(j.ctx, frame, i); err != nil {
			return err
		}
		framesRendered.Inc()
		j.reporter.Frame(i)
		if (i+1)%s.FPS == 0 || i == total-1 {
			o.event(j, fmt.Sprintf("rendered %d/%d frames", i+1, total))
		}
		if (i+1)%o.opts.YieldEvery == 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// mixAudio writes the audio sidecar into the staging directory. It returns
// an empty path when the timeline has no audio.
func (o *Orchestrator) mixAudio(j *job) (string, error) {
	if !j.req.Timeline.HasAudio() {
		return "", nil
	}
	path, err := backend.StagePath(backend.Options{StagingDir: o.opts.StagingDir}, "audio", ".wav")
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", model.Errorf(model.ErrResource, "create audio sidecar: %v", err)
	}
	used, err := audiomix.Mix(j.ctx, f, j.req.Timeline, j.req.Media, j.export.DurationS)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = model.Errorf(model.ErrResource, "close audio sidecar: %v", cerr)
	}
	if err != nil || !used {
		os.Remove(path)
		return "", err
	}
	o.event(j, "mixed audio sidecar")
	return path, nil
}

// promote moves the staged artifact (and audio sidecar) into the output
// directory under the export's filename, never overwriting an existing file.
func (o *Orchestrator) promote(j *job, videoPath, audioPath string) (string, string, error) {
	if err := os.MkdirAll(o.opts.OutputDir, 0o755); err != nil {
		return "", "", model.Errorf(model.ErrResource, "create output dir: %v", err)
	}
	ext := filepath.Ext(j.export.Filename)
	base := strings.TrimSuffix(j.export.Filename, ext)

	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s (%d)", base, n)
		}
		video := filepath.Join(o.opts.OutputDir, name+ext)
		audio := filepath.Join(o.opts.OutputDir, name+".wav")
		if exists(video) || (audioPath != "" && exists(audio)) {
			continue
		}
		if err := os.Rename(videoPath, video); err != nil {
			return "", "", model.Errorf(model.ErrResource, "promote artifact: %v", err)
		}
		if audioPath == "" {
			return video, "", nil
		}
		if err := os.Rename(audioPath, audio); err != nil {
			os.Remove(video)
			return "", "", model.Errorf(model.ErrResource, "promote audio sidecar: %v", err)
		}
		return video, audio, nil
	}
	return "", "", model.Errorf(model.ErrResource, "no free output name for %s", j.export.Filename)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// finish records the terminal state. A nil err completes the export;
// cancellation in any form ends as cancelled rather than error. The engine,
// when present, discards partial output on every non-complete path.
func (o *Orchestrator) finish(j *job, b backend.Backend, start time.Time, err error) {
	status := model.StatusComplete
	switch {
	case err == nil:
	case j.cancelled.Load() || errors.Is(err, model.ErrCancelled) || errors.Is(err, context.Canceled):
		status = model.StatusCancelled
	default:
		status = model.StatusError
	}
	if status != model.StatusComplete && b != nil {
		b.Cancel()
	}

	j.reporter.Finish(status)
	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	j.export.Status = status
	j.export.DurationMS = &dur
	j.export.FinishedAt = &now

	logger := o.logger.With("export_id", j.export.ID, "engine", j.kind)
	switch status {
	case model.StatusComplete:
		logger.Info("export complete", "output", j.export.OutputPath, "size", j.export.OutputSize, "duration_ms", dur)
	case model.StatusCancelled:
		j.export.Error = "export cancelled"
		j.export.ErrorKind = model.KindCancelled
		o.event(j, "cancelled")
		logger.Info("export cancelled", "duration_ms", dur)
	default:
		j.export.Error = err.Error()
		j.export.ErrorKind = model.KindOf(err)
		o.event(j, "error: "+err.Error())
		logger.Error("export failed", "error", err, "kind", j.export.ErrorKind)
	}

	if uerr := o.store.UpdateExport(context.Background(), &j.export); uerr != nil {
		logger.Error("failed to record export result", "error", uerr)
	}
	exportsTotal.WithLabelValues(j.kind, status).Inc()
	exportDuration.WithLabelValues(j.kind).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) transition(j *job, status string) error {
	if err := o.store.UpdateExportStatus(context.Background(), j.export.ID, status); err != nil {
		return fmt.Errorf("record status %s: %w", status, err)
	}
	j.export.Status = status
	return nil
}

// event dual-writes a history line: persisted for later viewing and logged.
func (o *Orchestrator) event(j *job, line string) {
	seq := int(j.seq.Add(1) - 1)
	if err := o.store.InsertEventLine(context.Background(), j.export.ID, seq, line); err != nil {
		o.logger.Error("failed to persist event line", "export_id", j.export.ID, "seq", seq, "error", err)
	}
}
