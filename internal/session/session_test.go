package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/session"
)

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newManager(t)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, dir := range []string{s.FrameDir, s.OutputDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s missing: %v", dir, err)
		}
	}
	if filepath.Dir(s.Dir) != m.Root() {
		t.Errorf("session dir %s not under root %s", s.Dir, m.Root())
	}
	if time.Since(s.CreatedAt) > time.Minute {
		t.Errorf("CreatedAt = %v", s.CreatedAt)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FrameDir != s.FrameDir {
		t.Errorf("Get = %+v", got)
	}

	other, _ := m.Create()
	if other.ID == s.ID {
		t.Error("duplicate session id")
	}
}

func TestGetUnknown(t *testing.T) {
	m := newManager(t)
	if _, err := m.Get(model.NewSessionID()); !errors.Is(err, model.ErrResource) {
		t.Errorf("Get unknown = %v, want ErrResource", err)
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{model.NewSessionID(), true},
		{"export-", false},
		{"", false},
		{"other-123", false},
		{"export-../../etc", false},
		{`export-a\b`, false},
		{"export-a/b", false},
	}
	for _, tt := range tests {
		err := session.ValidateID(tt.id)
		if (err == nil) != tt.want {
			t.Errorf("ValidateID(%q) = %v, want valid=%v", tt.id, err, tt.want)
		}
	}
}

func TestCleanupIdempotent(t *testing.T) {
	m := newManager(t)
	s, _ := m.Create()
	if err := os.WriteFile(filepath.Join(s.FrameDir, "frame-0000.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(s.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(s.Dir); !os.IsNotExist(err) {
		t.Errorf("session dir still present: %v", err)
	}
	if err := m.Cleanup(s.ID); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
	if err := m.Cleanup("export-../x"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Cleanup traversal = %v, want ErrValidation", err)
	}
}

func TestSweep(t *testing.T) {
	m := newManager(t)
	stale, _ := m.Create()
	busy, _ := m.Create()
	release := m.Acquire(busy.ID)

	// Unrelated directories are never touched.
	keep := filepath.Join(m.Root(), "not-a-session")
	os.MkdirAll(keep, 0o755)

	removed, err := m.Sweep(time.Now().Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale.ID {
		t.Errorf("removed = %v, want [%s]", removed, stale.ID)
	}
	if _, err := os.Stat(busy.Dir); err != nil {
		t.Errorf("active session swept: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("foreign dir swept: %v", err)
	}

	release()
	release()
	if m.Active(busy.ID) {
		t.Error("session still active after release")
	}
	removed, _ = m.Sweep(time.Now().Add(2 * time.Hour))
	if len(removed) != 1 || removed[0] != busy.ID {
		t.Errorf("removed after release = %v", removed)
	}
}

func TestSweepKeepsFresh(t *testing.T) {
	m := newManager(t)
	s, _ := m.Create()
	removed, err := m.Sweep(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("fresh session swept: %v", removed)
	}
	if _, err := m.Get(s.ID); err != nil {
		t.Errorf("Get after sweep: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestContainsAndFramePath(t *testing.T) {
	m := newManager(t)
	s, _ := m.Create()
	out := filepath.Join(s.OutputDir, "output.mp4")
	if id, ok := m.Contains(out); !ok || id != s.ID {
		t.Errorf("Contains(%s) = %q, %v", out, id, ok)
	}
	for _, p := range []string{m.Root(), s.Dir + "/../../etc/passwd", "/etc/passwd", filepath.Join(m.Root(), "stray.txt")} {
		if _, ok := m.Contains(p); ok {
			t.Errorf("Contains(%s) = true", p)
		}
	}

	if p, err := s.FramePath("frame-0001.png"); err != nil || filepath.Dir(p) != s.FrameDir {
		t.Errorf("FramePath = %s, %v", p, err)
	}
	for _, name := range []string{"", "..", "../x.png", "a/b.png"} {
		if _, err := s.FramePath(name); !errors.Is(err, model.ErrValidation) {
			t.Errorf("FramePath(%q) = %v, want ErrValidation", name, err)
		}
	}
}
