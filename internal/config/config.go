package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "cutline.db"
	defaultOutputDir  = "exports"
	defaultMediaDir   = "media"
	defaultProbeTTL   = 30 * time.Second

	envListenAddr = "CUTLINE_LISTEN_ADDR"
	envDBPath     = "CUTLINE_DB_PATH"
	envLogLevel   = "CUTLINE_LOG_LEVEL"
	envOutputDir  = "CUTLINE_OUTPUT_DIR"
	envMediaDir   = "CUTLINE_MEDIA_DIR"
	envHostSocket = "CUTLINE_HOST_SOCKET"
	envProbeTTL   = "CUTLINE_PROBE_TTL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// OutputDir receives finished exports.
	OutputDir string
	// MediaDir is the root media paths in export requests resolve against.
	MediaDir string
	// HostSocket is the native host's Unix socket. Empty disables the
	// native engine.
	HostSocket string
	// ProbeTTL is how long an engine capability probe is trusted.
	ProbeTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		OutputDir:  defaultOutputDir,
		MediaDir:   defaultMediaDir,
		ProbeTTL:   defaultProbeTTL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv(envMediaDir); v != "" {
		cfg.MediaDir = v
	}
	cfg.HostSocket = os.Getenv(envHostSocket)
	if v := os.Getenv(envProbeTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ProbeTTL = d
		}
	}

	return cfg
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
