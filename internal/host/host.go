// Package host implements the native export host: a separate process that
// owns export sessions on disk, stages frames sent by the service and runs
// the CLI encoder over them.
package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/seantiz/cutline/internal/backend/native"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/progress"
	"github.com/seantiz/cutline/internal/session"
	"github.com/seantiz/cutline/internal/settings"
)

// maxReadChunk caps one read-output-file answer so that the base64 payload
// stays under native.MaxMessageSize.
const maxReadChunk = 32 << 20

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Opener reveals a directory to the user.
type Opener func(dir string) error

// Host serves the native IPC protocol.
type Host struct {
	cfg      Config
	sessions *session.Manager
	logger   *slog.Logger
	opener   Opener

	mu      sync.Mutex
	running map[string]*encodeRun
	// owned holds the sweeper claim of every session from creation until
	// cleanup or until the connection that created it closes.
	owned map[string]func()
}

type encodeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a host over sessions.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.FramePolicy == "" {
		cfg.FramePolicy = FramePolicyWarn
	}
	return &Host{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		opener:   systemOpener,
		running:  make(map[string]*encodeRun),
		owned:    make(map[string]func()),
	}
}

// SetOpener replaces the directory opener used by open-frames-folder.
func (h *Host) SetOpener(fn Opener) { h.opener = fn }

// Serve accepts connections until ctx is cancelled or the listener fails.
func (h *Host) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.HandleConn(ctx, conn)
		}()
	}
}

// HandleConn serves requests on conn until it closes. Requests run
// concurrently; a running encoder is killed when the connection goes away
// and the sessions it created become eligible for sweeping.
func (h *Host) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)

	var createdMu sync.Mutex
	var created []string
	defer func() {
		for _, id := range created {
			h.release(id)
		}
	}()

	var writeMu sync.Mutex
	send := func(msg *native.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := native.WriteMessage(conn, msg); err != nil {
			h.logger.Warn("write message", "type", msg.Type, "error", err)
		}
	}

	var wg sync.WaitGroup
	for {
		var req native.Request
		if err := native.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("read request", "error", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Handle(ctx, req, func(ev native.ProgressEvent) {
				send(&native.Response{Type: native.MsgTypeProgress, SessionID: req.SessionID, Progress: &ev})
			})
			if req.Op == native.OpCreateSession && resp.OK {
				createdMu.Lock()
				created = append(created, resp.SessionID)
				createdMu.Unlock()
			}
			send(&resp)
		}()
	}
	cancel()
	wg.Wait()
}

// Handle executes one request. push receives encoder progress while
// export-video-cli runs.
func (h *Host) Handle(ctx context.Context, req native.Request, push func(native.ProgressEvent)) native.Response {
	resp, err := h.dispatch(ctx, req, push)
	status := "ok"
	if err != nil {
		status = model.KindOf(err)
		h.logger.Warn("request failed", "op", req.Op, "session_id", req.SessionID, "error", err)
		resp = native.ErrorResponse(req.ID, err)
	} else {
		resp.Type = native.MsgTypeResponse
		resp.ID = req.ID
		resp.OK = true
	}
	requestsTotal.WithLabelValues(req.Op, status).Inc()
	return resp
}

func (h *Host) dispatch(ctx context.Context, req native.Request, push func(native.ProgressEvent)) (native.Response, error) {
	switch req.Op {
	case native.OpPing:
		return native.Response{}, nil
	case native.OpCreateSession:
		return h.createSession()
	case native.OpSaveFrame:
		return h.saveFrame(req)
	case native.OpExportVideo:
		return h.exportVideo(ctx, req, push)
	case native.OpReadOutputFile:
		return h.readOutputFile(req)
	case native.OpCleanupSession:
		return native.Response{}, h.cleanupSession(req.SessionID)
	case native.OpOpenFrames:
		return native.Response{}, h.openFramesFolder(req.SessionID)
	case native.OpCancelExport:
		h.cancelEncoder(req.SessionID, false)
		return native.Response{}, nil
	default:
		return native.Response{}, model.Errorf(model.ErrValidation, "unknown operation %q", req.Op)
	}
}

func (h *Host) createSession() (native.Response, error) {
	s, err := h.sessions.Create()
	if err != nil {
		return native.Response{}, err
	}
	h.mu.Lock()
	h.owned[s.ID] = h.sessions.Acquire(s.ID)
	h.mu.Unlock()
	return native.Response{
		SessionID: s.ID,
		Session:   &native.SessionInfo{SessionID: s.ID, FrameDir: s.FrameDir, OutputDir: s.OutputDir},
	}, nil
}

func (h *Host) saveFrame(req native.Request) (native.Response, error) {
	s, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return native.Response{}, err
	}
	path, err := s.FramePath(req.FrameName)
	if err != nil {
		return native.Response{}, err
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return native.Response{}, model.Errorf(model.ErrValidation, "decode frame %s: %v", req.FrameName, err)
	}
	if !bytes.HasPrefix(data, pngSignature) {
		invalidFrames.WithLabelValues(string(h.cfg.FramePolicy)).Inc()
		if h.cfg.FramePolicy == FramePolicyReject {
			return native.Response{}, model.Errorf(model.ErrValidation, "frame %s is not a PNG image", req.FrameName)
		}
		h.logger.Warn("frame lacks PNG signature", "session_id", s.ID, "frame", req.FrameName, "size", len(data))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return native.Response{}, model.Errorf(model.ErrResource, "write frame %s: %v", req.FrameName, err)
	}
	framesSaved.Inc()
	return native.Response{Path: path}, nil
}

func (h *Host) exportVideo(ctx context.Context, req native.Request, push func(native.ProgressEvent)) (native.Response, error) {
	s, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return native.Response{}, err
	}
	params, err := encodeParams(s, req.Export)
	if err != nil {
		return native.Response{}, err
	}
	frames, err := filepath.Glob(filepath.Join(s.FrameDir, "frame-*.png"))
	if err != nil || len(frames) == 0 {
		return native.Response{}, model.Errorf(model.ErrResource, "no frames staged in session %s", s.ID)
	}
	bin, err := ResolveEncoder(h.cfg.FFmpegPath)
	if err != nil {
		return native.Response{}, err
	}

	runCtx, done, err := h.startRun(ctx, s.ID)
	if err != nil {
		return native.Response{}, err
	}
	defer done()
	release := h.sessions.Acquire(s.ID)
	defer release()

	start := time.Now()
	err = RunEncoder(runCtx, bin, native.BuildArgs(params), h.logger.With("session_id", s.ID), func(st progress.EncoderStats) {
		if push != nil {
			push(native.ProgressEvent{Frame: st.Frame, Time: st.TimeSeconds})
		}
	})
	encoderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if runCtx.Err() != nil {
			encoderRuns.WithLabelValues("cancelled").Inc()
			return native.Response{}, model.Errorf(model.ErrCancelled, "encoder for session %s was stopped", s.ID)
		}
		encoderRuns.WithLabelValues("failed").Inc()
		return native.Response{}, err
	}

	fi, err := os.Stat(params.Output)
	if err != nil || fi.Size() == 0 {
		encoderRuns.WithLabelValues("failed").Inc()
		return native.Response{}, model.Errorf(model.ErrResource, "encoder produced no output")
	}
	encoderRuns.WithLabelValues("completed").Inc()
	h.logger.Info("encoder finished", "session_id", s.ID, "frames", len(frames), "size", fi.Size(),
		"duration_ms", time.Since(start).Milliseconds())
	return native.Response{
		SessionID: s.ID,
		Export:    &native.ExportResult{Success: true, OutputFile: params.Output},
	}, nil
}

func encodeParams(s session.Session, req *native.ExportRequest) (native.EncodeParams, error) {
	if req == nil {
		return native.EncodeParams{}, model.Errorf(model.ErrValidation, "missing export parameters")
	}
	format := settings.Format(req.Format)
	if _, ok := format.Info(); !ok {
		return native.EncodeParams{}, model.Errorf(model.ErrValidation, "unknown format %q", req.Format)
	}
	if req.Width <= 0 || req.Height <= 0 || req.FPS <= 0 {
		return native.EncodeParams{}, model.Errorf(model.ErrValidation, "invalid geometry %dx%d@%d", req.Width, req.Height, req.FPS)
	}
	return native.EncodeParams{
		FrameDir: s.FrameDir,
		Output:   filepath.Join(s.OutputDir, native.OutputFileName(format)),
		Width:    req.Width,
		Height:   req.Height,
		FPS:      req.FPS,
		Quality:  settings.Quality(req.Quality),
		Format:   format,
	}, nil
}

// startRun registers the session's encoder run. The returned function must
// be called when the encoder has exited.
func (h *Host) startRun(ctx context.Context, sessionID string) (context.Context, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.running[sessionID]; busy {
		return nil, nil, model.Errorf(model.ErrExportInProgress, "encoder already running for session %s", sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &encodeRun{cancel: cancel, done: make(chan struct{})}
	h.running[sessionID] = run
	return runCtx, func() {
		cancel()
		h.mu.Lock()
		delete(h.running, sessionID)
		h.mu.Unlock()
		close(run.done)
	}, nil
}

// cancelEncoder kills the session's running encoder, optionally waiting for
// it to exit.
func (h *Host) cancelEncoder(sessionID string, wait bool) {
	h.mu.Lock()
	run := h.running[sessionID]
	h.mu.Unlock()
	if run == nil {
		return
	}
	h.logger.Info("cancelling encoder", "session_id", sessionID)
	run.cancel()
	if wait {
		<-run.done
	}
}

func (h *Host) cleanupSession(sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	h.cancelEncoder(sessionID, true)
	err := h.sessions.Cleanup(sessionID)
	h.release(sessionID)
	return err
}

// release drops the host's claim on a session. Releasing twice is a no-op.
func (h *Host) release(sessionID string) {
	h.mu.Lock()
	fn := h.owned[sessionID]
	delete(h.owned, sessionID)
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *Host) readOutputFile(req native.Request) (native.Response, error) {
	if _, ok := h.sessions.Contains(req.Path); !ok {
		return native.Response{}, model.Errorf(model.ErrValidation, "path %q is outside every session", req.Path)
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return native.Response{}, model.Errorf(model.ErrResource, "open output: %v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return native.Response{}, model.Errorf(model.ErrResource, "stat output: %v", err)
	}
	if req.Offset < 0 || req.Offset > fi.Size() {
		return native.Response{}, model.Errorf(model.ErrValidation, "offset %d outside file of %d bytes", req.Offset, fi.Size())
	}

	n := fi.Size() - req.Offset
	if req.Length > 0 && req.Length < n {
		n = req.Length
	}
	n = min(n, maxReadChunk)
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, req.Offset); err != nil && !errors.Is(err, io.EOF) {
		return native.Response{}, model.Errorf(model.ErrResource, "read output: %v", err)
	}
	return native.Response{Path: req.Path, Data: buf, EOF: req.Offset+n >= fi.Size()}, nil
}

func (h *Host) openFramesFolder(sessionID string) error {
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := h.opener(s.FrameDir); err != nil {
		return model.Errorf(model.ErrResource, "open %s: %v", s.FrameDir, err)
	}
	return nil
}

// systemOpener runs the platform's file manager opener without waiting for
// it.
func systemOpener(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
