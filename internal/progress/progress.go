// Package progress normalises frame counters and encoder diagnostics into a
// single export progress view.
package progress

import (
	"sync"
	"time"
)

// WindowSize is the number of samples the encoding speed is averaged over.
const WindowSize = 30

// Progress is the externally visible export progress.
type Progress struct {
	IsExporting      bool    `json:"is_exporting"`
	Progress         float64 `json:"progress"`
	CurrentFrame     int     `json:"current_frame"`
	TotalFrames      int     `json:"total_frames"`
	EncodingSpeedFPS float64 `json:"encoding_speed_fps"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	ETASeconds       float64 `json:"eta_seconds"`
	Status           string  `json:"status"`
}

type sample struct {
	at    time.Time
	frame int
}

// Reporter accumulates progress for one export. It is safe for concurrent use;
// the callback is invoked outside the lock.
type Reporter struct {
	mu       sync.Mutex
	total    int
	fps      int
	started  time.Time
	current  Progress
	window   []sample
	finished bool

	now      func() time.Time
	onUpdate func(Progress)
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithCallback registers a function invoked with every update.
func WithCallback(fn func(Progress)) Option {
	return func(r *Reporter) { r.onUpdate = fn }
}

// NewReporter creates an idle reporter.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.current = Progress{Status: "idle"}
	return r
}

// Start resets the reporter for a new export of totalFrames at fps.
func (r *Reporter) Start(totalFrames, fps int, status string) {
	r.mu.Lock()
	r.total = totalFrames
	r.fps = fps
	r.started = r.now()
	r.window = r.window[:0]
	r.finished = false
	r.current = Progress{IsExporting: true, TotalFrames: totalFrames, Status: status}
	p := r.current
	r.mu.Unlock()
	r.emit(p)
}

// SetStatus updates the status without touching counters.
func (r *Reporter) SetStatus(status string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.current.Status = status
	r.current.ElapsedSeconds = r.elapsed()
	p := r.current
	r.mu.Unlock()
	r.emit(p)
}

// Phase starts a new counting pass under status, keeping the elapsed clock.
// Counters restart at zero; the native engine stages every frame before its
// encoder reports a frame counter of its own.
func (r *Reporter) Phase(status string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.window = r.window[:0]
	r.current.Status = status
	r.current.CurrentFrame = 0
	r.current.Progress = 0
	r.current.EncodingSpeedFPS = 0
	r.current.ETASeconds = 0
	r.current.ElapsedSeconds = r.elapsed()
	p := r.current
	r.mu.Unlock()
	r.emit(p)
}

// Frame records that frame index i (zero based) has been produced.
func (r *Reporter) Frame(i int) {
	r.record(i + 1)
}

// EncoderUpdate records an encoder diagnostic. A positive frame count wins;
// otherwise the encoded media time is converted to frames.
func (r *Reporter) EncoderUpdate(frame int, timeSeconds float64) {
	switch {
	case frame > 0:
		r.record(frame)
	case timeSeconds > 0:
		r.mu.Lock()
		fps := r.fps
		r.mu.Unlock()
		r.record(int(timeSeconds * float64(fps)))
	}
}

// Finish forces the terminal view: every frame done and 100 percent. Only the
// first call has effect and it reports whether it was that call.
func (r *Reporter) Finish(status string) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.current.IsExporting = false
	r.current.Status = status
	r.current.ElapsedSeconds = r.elapsed()
	r.current.ETASeconds = 0
	if status == "complete" {
		r.current.CurrentFrame = r.total
		r.current.Progress = 100
	}
	p := r.current
	r.mu.Unlock()
	r.emit(p)
	return true
}

// Snapshot returns the latest progress.
func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reporter) record(frames int) {
	r.mu.Lock()
	if r.finished || r.total <= 0 {
		r.mu.Unlock()
		return
	}
	frames = min(max(frames, 0), r.total)
	// Encoder diagnostics may lag the frame counter; never move backwards.
	frames = max(frames, r.current.CurrentFrame)

	now := r.now()
	r.window = append(r.window, sample{at: now, frame: frames})
	if len(r.window) > WindowSize {
		r.window = r.window[len(r.window)-WindowSize:]
	}

	r.current.CurrentFrame = frames
	r.current.Progress = float64(frames) * 100 / float64(r.total)
	// 100 is reserved for Finish.
	if r.current.Progress >= 100 {
		r.current.Progress = 99.9
	}
	r.current.ElapsedSeconds = r.elapsed()
	r.current.EncodingSpeedFPS = r.speed()
	if r.current.EncodingSpeedFPS > 0 {
		r.current.ETASeconds = float64(r.total-frames) / r.current.EncodingSpeedFPS
	}
	p := r.current
	r.mu.Unlock()
	r.emit(p)
}

func (r *Reporter) speed() float64 {
	if len(r.window) < 2 {
		return 0
	}
	first, last := r.window[0], r.window[len(r.window)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.frame-first.frame) / dt
}

func (r *Reporter) elapsed() float64 {
	if r.started.IsZero() {
		return 0
	}
	return r.now().Sub(r.started).Seconds()
}

func (r *Reporter) emit(p Progress) {
	if r.onUpdate != nil {
		r.onUpdate(p)
	}
}
