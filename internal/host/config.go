package host

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/cutline/internal/session"
)

// Environment variable names for host configuration.
const (
	envSocket        = "CUTLINE_HOST_SOCKET"
	envSessionRoot   = "CUTLINE_HOST_SESSION_ROOT"
	envSessionMaxAge = "CUTLINE_HOST_SESSION_MAX_AGE"
	envSweepInterval = "CUTLINE_HOST_SWEEP_INTERVAL"
	envFFmpeg        = "CUTLINE_HOST_FFMPEG"
	envFramePolicy   = "CUTLINE_HOST_FRAME_POLICY"
	envLogLevel      = "CUTLINE_HOST_LOG_LEVEL"
)

// DefaultSweepInterval is how often stale sessions are looked for.
const DefaultSweepInterval = 10 * time.Minute

// FramePolicy decides what save-frame does with a buffer that lacks the PNG
// signature.
type FramePolicy string

const (
	// FramePolicyWarn writes the buffer and logs a warning.
	FramePolicyWarn FramePolicy = "warn"
	// FramePolicyReject refuses the buffer with a validation error.
	FramePolicyReject FramePolicy = "reject"
)

// ParseFramePolicy parses a policy name.
func ParseFramePolicy(s string) (FramePolicy, error) {
	switch p := FramePolicy(s); p {
	case FramePolicyWarn, FramePolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown frame policy %q", s)
	}
}

// Config holds configuration for the native host process.
type Config struct {
	SocketPath    string
	SessionRoot   string
	SessionMaxAge time.Duration
	SweepInterval time.Duration
	// FFmpegPath is tried before the encoder found on PATH.
	FFmpegPath  string
	FramePolicy FramePolicy
	LogLevel    string
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{
		SocketPath:    filepath.Join(os.TempDir(), "cutline-host.sock"),
		SessionRoot:   filepath.Join(os.TempDir(), "cutline-sessions"),
		SessionMaxAge: session.DefaultMaxAge,
		SweepInterval: DefaultSweepInterval,
		FramePolicy:   FramePolicyWarn,
		LogLevel:      "info",
	}
}

// LoadConfig reads host configuration from environment variables, applying
// defaults for values not set.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(envSocket); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(envSessionRoot); v != "" {
		cfg.SessionRoot = v
	}
	if v := os.Getenv(envSessionMaxAge); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("parse %s: invalid duration %q", envSessionMaxAge, v)
		}
		cfg.SessionMaxAge = d
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("parse %s: invalid duration %q", envSweepInterval, v)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv(envFFmpeg); v != "" {
		cfg.FFmpegPath = v
	}
	if v := os.Getenv(envFramePolicy); v != "" {
		p, err := ParseFramePolicy(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envFramePolicy, err)
		}
		cfg.FramePolicy = p
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
