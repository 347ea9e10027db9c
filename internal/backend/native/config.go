package native

import (
	"os"
	"time"
)

// Environment variable names for native engine configuration.
const (
	envSocket       = "CUTLINE_HOST_SOCKET"
	envCallTimeout  = "CUTLINE_NATIVE_CALL_TIMEOUT"
	envProbeTimeout = "CUTLINE_NATIVE_PROBE_TIMEOUT"
)

// Defaults.
const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Config holds configuration for the native engine client.
type Config struct {
	// SocketPath is the host's Unix socket. Empty disables the engine.
	SocketPath string

	// CallTimeout bounds every call except export-video-cli, which runs for
	// as long as the encoder does.
	CallTimeout time.Duration

	// ProbeTimeout bounds the capability ping.
	ProbeTimeout time.Duration
}

// LoadConfig reads native engine configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		SocketPath:   os.Getenv(envSocket),
		CallTimeout:  DefaultCallTimeout,
		ProbeTimeout: DefaultProbeTimeout,
	}
	if v := os.Getenv(envCallTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CallTimeout = d
		}
	}
	if v := os.Getenv(envProbeTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ProbeTimeout = d
		}
	}
	return cfg
}

// Enabled reports whether a host socket is configured.
func (c Config) Enabled() bool { return c.SocketPath != "" }
