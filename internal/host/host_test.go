package host_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/cutline/internal/backend/native"
	"github.com/seantiz/cutline/internal/host"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/session"
)

const okEncoder = `#!/bin/sh
for last; do :; done
out=$(dirname "$last")
printf '%s\n' "$@" > "$out/args.txt"
printf 'frame=    1 fps=0.0 q=0.0 size=       0kB time=00:00:00.03 bitrate=N/A\r' >&2
printf 'frame=    3 fps=0.0 q=0.0 size=       1kB time=00:00:00.10 bitrate=N/A\n' >&2
printf 'fake video' > "$last"
`

const failingEncoder = `#!/bin/sh
echo "Unknown encoder 'libx264'" >&2
echo "Conversion failed!" >&2
exit 1
`

const slowEncoder = `#!/bin/sh
for last; do :; done
touch "$(dirname "$last")/started"
exec sleep 30
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell encoder stubs need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	host     *host.Host
	sessions *session.Manager
	client   *native.Client
}

func newFixture(t *testing.T, cfg host.Config) *fixture {
	t.Helper()
	sessions, err := session.NewManager(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := host.New(cfg, sessions, nil)

	server, conn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleConn(ctx, server)
	}()
	client := native.NewClient(conn, nil)
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return &fixture{host: h, sessions: sessions, client: client}
}

func (f *fixture) stage(t *testing.T, frames int) native.SessionInfo {
	t.Helper()
	ctx := context.Background()
	sess, err := f.client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	data := pngFrame(t)
	for i := range frames {
		if _, err := f.client.SaveFrame(ctx, sess.SessionID, native.FrameName(i), data); err != nil {
			t.Fatalf("SaveFrame(%d): %v", i, err)
		}
	}
	return sess
}

var exportReq = native.ExportRequest{Width: 640, Height: 360, FPS: 30, Quality: "medium", Format: "mp4"}

func TestExportVideo(t *testing.T) {
	f := newFixture(t, host.Config{FFmpegPath: writeScript(t, okEncoder)})
	ctx := context.Background()
	sess := f.stage(t, 3)

	var mu sync.Mutex
	var events []native.ProgressEvent
	stop := f.client.OnProgress(sess.SessionID, func(ev native.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	res, err := f.client.ExportVideo(ctx, sess.SessionID, exportReq)
	stop()
	if err != nil {
		t.Fatalf("ExportVideo: %v", err)
	}
	if !res.Success || res.OutputFile != filepath.Join(sess.OutputDir, "output.mp4") {
		t.Errorf("result = %+v", res)
	}

	mu.Lock()
	if len(events) != 2 || events[0].Frame != 1 || events[1].Frame != 3 || events[1].Time != 0.1 {
		t.Errorf("progress = %+v", events)
	}
	mu.Unlock()

	args, err := os.ReadFile(filepath.Join(sess.OutputDir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	want := native.BuildArgs(native.EncodeParams{
		FrameDir: sess.FrameDir, Output: res.OutputFile,
		Width: 640, Height: 360, FPS: 30, Quality: "medium", Format: "mp4",
	})
	if got := strings.Fields(string(args)); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("encoder args = %v, want %v", got, want)
	}

	data, err := f.client.ReadOutputFile(ctx, res.OutputFile)
	if err != nil {
		t.Fatalf("ReadOutputFile: %v", err)
	}
	if string(data) != "fake video" {
		t.Errorf("output = %q", data)
	}

	if err := f.client.CleanupSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.sessions.Root(), sess.SessionID)); !os.IsNotExist(err) {
		t.Errorf("session dir survives cleanup: %v", err)
	}
}

func TestExportVideoEncoderFailure(t *testing.T) {
	f := newFixture(t, host.Config{FFmpegPath: writeScript(t, failingEncoder)})
	sess := f.stage(t, 1)
	_, err := f.client.ExportVideo(context.Background(), sess.SessionID, exportReq)
	var ee *model.EncoderError
	if !errors.As(err, &ee) {
		t.Fatalf("ExportVideo = %v, want EncoderError", err)
	}
	if ee.ExitCode != 1 || !strings.Contains(ee.Diagnostics, "Conversion failed!") {
		t.Errorf("EncoderError = %+v", ee)
	}
}

func TestExportVideoPreconditions(t *testing.T) {
	script := writeScript(t, okEncoder)
	f := newFixture(t, host.Config{FFmpegPath: script})
	ctx := context.Background()

	empty := f.stage(t, 0)
	if _, err := f.client.ExportVideo(ctx, empty.SessionID, exportReq); !errors.Is(err, model.ErrResource) {
		t.Errorf("no frames = %v, want ErrResource", err)
	}

	sess := f.stage(t, 1)
	bad := exportReq
	bad.Format = "flv"
	if _, err := f.client.ExportVideo(ctx, sess.SessionID, bad); !errors.Is(err, model.ErrValidation) {
		t.Errorf("unknown format = %v, want ErrValidation", err)
	}
	if _, err := f.client.ExportVideo(ctx, model.NewSessionID(), exportReq); !errors.Is(err, model.ErrResource) {
		t.Errorf("unknown session = %v, want ErrResource", err)
	}
}

func TestExportVideoMissingEncoder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PATH handling differs on windows")
	}
	t.Setenv("PATH", t.TempDir())
	f := newFixture(t, host.Config{FFmpegPath: "/nonexistent/ffmpeg"})
	sess := f.stage(t, 1)
	_, err := f.client.ExportVideo(context.Background(), sess.SessionID, exportReq)
	if !errors.Is(err, model.ErrResource) {
		t.Errorf("ExportVideo = %v, want ErrResource", err)
	}
}

// startSlowExport runs export-video-cli with an encoder that never finishes
// and returns once it has started.
func startSlowExport(t *testing.T, f *fixture) (native.SessionInfo, <-chan error) {
	t.Helper()
	sess := f.stage(t, 2)
	errc := make(chan error, 1)
	go func() {
		_, err := f.client.ExportVideo(context.Background(), sess.SessionID, exportReq)
		errc <- err
	}()
	marker := filepath.Join(sess.OutputDir, "started")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			return sess, errc
		}
		if time.Now().After(deadline) {
			t.Fatal("encoder never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelExport(t *testing.T) {
	f := newFixture(t, host.Config{FFmpegPath: writeScript(t, slowEncoder)})
	sess, errc := startSlowExport(t, f)

	if err := f.client.CancelExport(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("CancelExport: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, model.ErrCancelled) {
			t.Errorf("ExportVideo = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encoder survived cancel-export")
	}
	// Cancelling with nothing running is fine.
	if err := f.client.CancelExport(context.Background(), sess.SessionID); err != nil {
		t.Errorf("second CancelExport: %v", err)
	}
}

func TestCleanupKillsEncoder(t *testing.T) {
	f := newFixture(t, host.Config{FFmpegPath: writeScript(t, slowEncoder)})
	sess, errc := startSlowExport(t, f)

	if err := f.client.CleanupSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("export succeeded after cleanup")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encoder survived cleanup")
	}
	if _, err := os.Stat(filepath.Join(f.sessions.Root(), sess.SessionID)); !os.IsNotExist(err) {
		t.Errorf("session dir survives cleanup: %v", err)
	}
}

func TestSaveFramePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  host.FramePolicy
		wantErr bool
	}{
		{"warn writes", host.FramePolicyWarn, false},
		{"default warns", "", false},
		{"reject refuses", host.FramePolicyReject, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, host.Config{FramePolicy: tt.policy})
			sess := f.stage(t, 0)
			_, err := f.client.SaveFrame(context.Background(), sess.SessionID, native.FrameName(0), []byte("not a png"))
			path := filepath.Join(sess.FrameDir, native.FrameName(0))
			_, statErr := os.Stat(path)
			if tt.wantErr {
				if !errors.Is(err, model.ErrValidation) {
					t.Errorf("SaveFrame = %v, want ErrValidation", err)
				}
				if statErr == nil {
					t.Error("rejected frame was written")
				}
				return
			}
			if err != nil {
				t.Errorf("SaveFrame = %v", err)
			}
			if statErr != nil {
				t.Errorf("frame not written: %v", statErr)
			}
		})
	}
}

func TestSaveFrameRejectsBadNames(t *testing.T) {
	f := newFixture(t, host.Config{})
	sess := f.stage(t, 0)
	for _, name := range []string{"../escape.png", "", "a/b.png"} {
		_, err := f.client.SaveFrame(context.Background(), sess.SessionID, name, pngFrame(t))
		if !errors.Is(err, model.ErrValidation) {
			t.Errorf("SaveFrame(%q) = %v, want ErrValidation", name, err)
		}
	}
	resp := f.host.Handle(context.Background(), native.Request{
		ID: "1", Op: native.OpSaveFrame, SessionID: sess.SessionID, FrameName: "frame-0000.png", Data: "!!!",
	}, nil)
	if resp.OK || resp.ErrorKind != model.KindValidation {
		t.Errorf("bad base64 response = %+v", resp)
	}
}

func TestReadOutputFile(t *testing.T) {
	f := newFixture(t, host.Config{})
	sess := f.stage(t, 0)
	ctx := context.Background()
	out := filepath.Join(sess.OutputDir, "output.mp4")
	if err := os.WriteFile(out, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := f.host.Handle(ctx, native.Request{ID: "1", Op: native.OpReadOutputFile, Path: out, Offset: 4, Length: 3}, nil)
	if !resp.OK || string(resp.Data) != "456" || resp.EOF {
		t.Errorf("chunk = %+v", resp)
	}
	resp = f.host.Handle(ctx, native.Request{ID: "2", Op: native.OpReadOutputFile, Path: out, Offset: 7}, nil)
	if !resp.OK || string(resp.Data) != "789" || !resp.EOF {
		t.Errorf("tail = %+v", resp)
	}

	outside := filepath.Join(t.TempDir(), "secret")
	os.WriteFile(outside, []byte("x"), 0o644)
	for _, p := range []string{outside, filepath.Join(sess.OutputDir, "..", "..", "..", "secret")} {
		if _, err := f.client.ReadOutputFile(ctx, p); !errors.Is(err, model.ErrValidation) {
			t.Errorf("ReadOutputFile(%s) = %v, want ErrValidation", p, err)
		}
	}
}

func TestOpenFramesFolder(t *testing.T) {
	f := newFixture(t, host.Config{})
	var opened string
	f.host.SetOpener(func(dir string) error {
		opened = dir
		return nil
	})
	sess := f.stage(t, 0)
	if err := f.client.OpenFramesFolder(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("OpenFramesFolder: %v", err)
	}
	if opened != sess.FrameDir {
		t.Errorf("opened %q, want %q", opened, sess.FrameDir)
	}
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t, host.Config{})
	resp := f.host.Handle(context.Background(), native.Request{ID: "7", Op: "format-disk"}, nil)
	if resp.OK || resp.ID != "7" || resp.ErrorKind != model.KindValidation {
		t.Errorf("response = %+v", resp)
	}
	if err := f.client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestServeUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	dir, err := os.MkdirTemp("", "cutline-host")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "h.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	sessions, _ := session.NewManager(t.TempDir(), time.Hour, nil)
	h := host.New(host.Config{}, sessions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, l) }()

	if err := native.Probe(sock, time.Second)(context.Background()); err != nil {
		t.Errorf("Probe: %v", err)
	}
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestSweepSparesSessionsOfLiveConnections(t *testing.T) {
	f := newFixture(t, host.Config{})
	ctx := context.Background()
	sess := f.stage(t, 2)
	later := time.Now().Add(2 * time.Hour)

	removed, err := f.sessions.Sweep(later)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("swept %v while its connection was open", removed)
	}
	if _, err := f.client.SaveFrame(ctx, sess.SessionID, native.FrameName(2), pngFrame(t)); err != nil {
		t.Fatalf("SaveFrame after sweep: %v", err)
	}

	// Once the owning connection is gone the session is abandoned.
	f.client.Close()
	deadline := time.Now().Add(5 * time.Second)
	for f.sessions.Active(sess.SessionID) {
		if time.Now().After(deadline) {
			t.Fatal("session still claimed after its connection closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	removed, err = f.sessions.Sweep(later)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != sess.SessionID {
		t.Errorf("removed = %v, want [%s]", removed, sess.SessionID)
	}
}

func TestCleanupReleasesSession(t *testing.T) {
	f := newFixture(t, host.Config{})
	sess := f.stage(t, 1)
	if !f.sessions.Active(sess.SessionID) {
		t.Fatal("new session is not claimed")
	}
	if err := f.client.CleanupSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if f.sessions.Active(sess.SessionID) {
		t.Error("session still claimed after cleanup")
	}
	if _, err := os.Stat(sess.FrameDir); !os.IsNotExist(err) {
		t.Errorf("frame dir still present: %v", err)
	}
}
