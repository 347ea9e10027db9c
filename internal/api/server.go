package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/cutline/internal/exporter"
	"github.com/seantiz/cutline/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	exports  *exporter.Orchestrator
	mediaDir string
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server. Media paths in export
// requests resolve against mediaDir.
func NewServer(addr string, s store.Store, orch *exporter.Orchestrator, mediaDir string, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		exports:  orch,
		mediaDir: mediaDir,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Location", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/engines", s.handleListEngines)
	s.router.Post("/v1/engines/recommend", s.handleRecommendEngine)
	s.router.Post("/v1/estimate", s.handleEstimate)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/exports", func(r chi.Router) {
		r.Post("/", s.handleCreateExport)
		r.Get("/", s.handleListExports)
		r.Get("/{id}", s.handleGetExport)
		r.Delete("/{id}", s.handleCancelExport)
		r.Get("/{id}/progress", s.handleStreamProgress)
		r.Get("/{id}/events", s.handleGetEvents)
		r.Get("/{id}/artifact", s.handleGetArtifact)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx ends, then drains in-flight requests. A running
// export is cancelled first and Run returns only after it has settled, so
// its record never stays in a non-terminal status.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if id, ok := s.exports.Active(); ok {
		s.logger.Info("cancelling running export", "export_id", id)
		_ = s.exports.Cancel(id)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	s.exports.Wait()
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}

	s.logger.Info("server stopped")
	return nil
}

// quietRoutes are polled by health checks and scrapers.
var quietRoutes = map[string]bool{"/healthz": true, "/metrics": true}

// loggingMiddleware logs each request. Server errors log at warn; polling
// routes at debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case quietRoutes[r.URL.Path]:
			level = slog.LevelDebug
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, "export_id", id)
		}
		s.logger.Log(r.Context(), level, "request", attrs...)
	})
}
