// Package session manages the on-disk export sessions of the native host.
// Each session owns a frame directory and an output directory under a common
// root; sessions are removed explicitly or by the age-based sweeper.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/cutline/internal/model"
)

// DefaultMaxAge is how long an abandoned session survives before the sweeper
// removes it.
const DefaultMaxAge = time.Hour

const (
	framesDir = "frames"
	outputDir = "output"
)

// Session is one export session on disk.
type Session struct {
	ID        string    `json:"session_id"`
	Dir       string    `json:"dir"`
	FrameDir  string    `json:"frame_dir"`
	OutputDir string    `json:"output_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates, looks up and removes sessions under root.
type Manager struct {
	root   string
	maxAge time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]int
}

// NewManager returns a Manager rooted at root. A zero maxAge selects
// DefaultMaxAge.
func NewManager(root string, maxAge time.Duration, logger *slog.Logger) (*Manager, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve session root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Manager{
		root:   abs,
		maxAge: maxAge,
		logger: logger,
		active: make(map[string]int),
	}, nil
}

// Root returns the absolute session root.
func (m *Manager) Root() string { return m.root }

// Create allocates a new session and its directories.
func (m *Manager) Create() (Session, error) {
	id := model.NewSessionID()
	s := m.layout(id)
	for _, dir := range []string{s.FrameDir, s.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(s.Dir)
			return Session{}, model.Errorf(model.ErrResource, "create session dir: %v", err)
		}
	}
	s.CreatedAt, _ = model.SessionCreatedAt(id)
	sessionsCreated.Inc()
	m.logger.Info("session created", "session_id", id, "dir", s.Dir)
	return s, nil
}

// Get returns an existing session.
func (m *Manager) Get(id string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	s := m.layout(id)
	if _, err := os.Stat(s.Dir); err != nil {
		return Session{}, model.Errorf(model.ErrResource, "unknown session %q", id)
	}
	s.CreatedAt, _ = model.SessionCreatedAt(id)
	return s, nil
}

// Cleanup removes the session directory. Removing a missing session is not
// an error.
func (m *Manager) Cleanup(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return model.Errorf(model.ErrResource, "remove session %s: %v", id, err)
	}
	sessionsRemoved.WithLabelValues(reasonCleanup).Inc()
	m.logger.Info("session cleaned up", "session_id", id)
	return nil
}

// Acquire marks the session busy so the sweeper leaves it alone until the
// returned release function is called.
func (m *Manager) Acquire(id string) func() {
	m.mu.Lock()
	m.active[id]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.active[id] <= 1 {
				delete(m.active, id)
				return
			}
			m.active[id]--
		})
	}
}

// Active reports whether the session is currently acquired.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id] > 0
}

// List returns every session on disk, oldest first.
func (m *Manager) List() ([]Session, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}
	var out []Session
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), model.SessionPrefix) {
			continue
		}
		s := m.layout(e.Name())
		created, err := model.SessionCreatedAt(e.Name())
		if err != nil {
			info, ierr := e.Info()
			if ierr != nil {
				continue
			}
			created = info.ModTime()
		}
		s.CreatedAt = created
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Sweep removes inactive sessions created more than maxAge before now and
// returns their ids.
func (m *Manager) Sweep(now time.Time) ([]string, error) {
	sessions, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, s := range sessions {
		if now.Sub(s.CreatedAt) < m.maxAge || m.Active(s.ID) {
			continue
		}
		if err := os.RemoveAll(s.Dir); err != nil {
			m.logger.Warn("sweep session", "session_id", s.ID, "error", err)
			continue
		}
		sessionsRemoved.WithLabelValues(reasonSweep).Inc()
		removed = append(removed, s.ID)
	}
	if len(removed) > 0 {
		m.logger.Info("swept stale sessions", "count", len(removed))
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := m.Sweep(now); err != nil {
				m.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

// Contains reports whether path lies inside a session directory and returns
// the owning session id.
func (m *Manager) Contains(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(m.root, filepath.Clean(abs))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	id, rest, _ := strings.Cut(rel, string(filepath.Separator))
	if ValidateID(id) != nil || rest == "" {
		return "", false
	}
	return id, true
}

// FramePath returns the path of name inside the session's frame directory,
// rejecting names that would escape it.
func (s Session) FramePath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", model.Errorf(model.ErrValidation, "invalid frame name %q", name)
	}
	return filepath.Join(s.FrameDir, name), nil
}

// ValidateID rejects ids that are not a single path element with the
// session prefix.
func ValidateID(id string) error {
	if !strings.HasPrefix(id, model.SessionPrefix) || len(id) == len(model.SessionPrefix) {
		return model.Errorf(model.ErrValidation, "invalid session id %q", id)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return model.Errorf(model.ErrValidation, "invalid session id %q", id)
	}
	return nil
}

func (m *Manager) layout(id string) Session {
	dir := filepath.Join(m.root, id)
	return Session{
		ID:        id,
		Dir:       dir,
		FrameDir:  filepath.Join(dir, framesDir),
		OutputDir: filepath.Join(dir, outputDir),
	}
}
