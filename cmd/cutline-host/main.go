// Command cutline-host is the native host. It owns export sessions on disk,
// stages frames and runs the CLI encoder on behalf of the export service,
// serving requests on a Unix socket.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/cutline/internal/config"
	"github.com/seantiz/cutline/internal/host"
	"github.com/seantiz/cutline/internal/session"
)

func main() {
	cfg, err := host.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(cfg.LogLevel))

	sessions, err := session.NewManager(cfg.SessionRoot, cfg.SessionMaxAge, logger)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("remove stale socket: %v", err)
	}
	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sessions.Run(ctx, cfg.SweepInterval)

	logger.Info("cutline-host: listening",
		"socket", cfg.SocketPath,
		"session_root", sessions.Root(),
		"frame_policy", cfg.FramePolicy,
	)
	h := host.New(cfg, sessions, logger)
	if err := h.Serve(ctx, l); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("cutline-host: stopped")
}
