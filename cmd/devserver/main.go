// devserver runs the export API together with an in-process native host on a
// temporary socket, with an in-memory history.
// Usage: go run ./cmd/devserver
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/seantiz/cutline/internal/api"
	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/backend/native"
	"github.com/seantiz/cutline/internal/backend/software"
	"github.com/seantiz/cutline/internal/backend/standard"
	"github.com/seantiz/cutline/internal/config"
	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/host"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/session"
	"github.com/seantiz/cutline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir, err := os.MkdirTemp("", "cutline-dev-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socket := filepath.Join(dir, "host.sock")
	if err := startHost(ctx, dir, socket, logger.With("component", "host")); err != nil {
		log.Fatalf("start host: %v", err)
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	nativeCfg := native.Config{SocketPath: socket, CallTimeout: native.DefaultCallTimeout, ProbeTimeout: native.DefaultProbeTimeout}
	prober := backend.NewProber(backend.NewProbeCache(cfg.ProbeTTL, nil))
	prober.SetProbe(model.EngineSoftware, software.Probe)
	prober.SetProbe(model.EngineNative, native.Probe(socket, nativeCfg.ProbeTimeout))
	factory := backend.NewFactory(prober)
	factory.Register(model.EngineNative, native.Capabilities, native.Constructor(nativeCfg))
	factory.Register(model.EngineSoftware, software.Capabilities, software.Constructor)
	factory.Register(model.EngineStandard, standard.Capabilities, standard.Constructor)

	outDir := filepath.Join(dir, "exports")
	orch := exporter.New(db, factory, exporter.Options{OutputDir: outDir}, logger)
	srv := api.NewServer(cfg.ListenAddr, db, orch, cfg.MediaDir, logger)

	logger.Info("devserver: starting", "addr", cfg.ListenAddr, "host_socket", socket, "output_dir", outDir)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// startHost serves a native host from dir until ctx ends.
func startHost(ctx context.Context, dir, socket string, logger *slog.Logger) error {
	hcfg, err := host.LoadConfig()
	if err != nil {
		return err
	}
	hcfg.SocketPath = socket
	hcfg.SessionRoot = filepath.Join(dir, "sessions")

	sessions, err := session.NewManager(hcfg.SessionRoot, hcfg.SessionMaxAge, logger)
	if err != nil {
		return err
	}
	l, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	go sessions.Run(ctx, hcfg.SweepInterval)
	go func() {
		if err := host.New(hcfg, sessions, logger).Serve(ctx, l); err != nil {
			logger.Error("host stopped", "error", err)
		}
	}()
	return nil
}
