// Command cutline serves the export API: it admits exports, drives the
// engines and keeps the export history.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/cutline/internal/api"
	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/backend/native"
	"github.com/seantiz/cutline/internal/backend/software"
	"github.com/seantiz/cutline/internal/backend/standard"
	"github.com/seantiz/cutline/internal/config"
	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("cutline: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"output_dir", cfg.OutputDir,
		"native_host", cfg.HostSocket,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	factory := newFactory(cfg, logger)
	orch := exporter.New(db, factory, exporter.Options{OutputDir: cfg.OutputDir}, logger)
	srv := api.NewServer(cfg.ListenAddr, db, orch, cfg.MediaDir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newFactory registers every engine with its capability probe.
func newFactory(cfg config.Config, logger *slog.Logger) *backend.Factory {
	nativeCfg := native.LoadConfig()
	nativeCfg.SocketPath = cfg.HostSocket

	prober := backend.NewProber(backend.NewProbeCache(cfg.ProbeTTL, nil))
	prober.SetProbe(model.EngineSoftware, software.Probe)
	prober.SetProbe(model.EngineNative, native.Probe(nativeCfg.SocketPath, nativeCfg.ProbeTimeout))

	factory := backend.NewFactory(prober)
	factory.Register(model.EngineNative, native.Capabilities, native.Constructor(nativeCfg))
	factory.Register(model.EngineSoftware, software.Capabilities, software.Constructor)
	factory.Register(model.EngineStandard, standard.Capabilities, standard.Constructor)

	if !nativeCfg.Enabled() {
		logger.Info("native engine disabled: no host socket configured")
	}
	return factory
}
