// Package gateway exposes documents, corpora and pipelines over HTTP/JSON so
// an external client can drive the bridge.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/docbridge/internal/auth"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/pipeline"
)

// Config holds gateway settings.
type Config struct {
	Addr string
	// Token is the shared bearer token. Empty disables authentication.
	Token         string
	LogActions    bool
	ShutdownGrace time.Duration
	// Pipeline is passed to every pipeline the gateway builds.
	Pipeline pipeline.Options
}

// Server is the gateway listener and its resource registry.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	events    *events.Hub
	reg       *registry
	startedAt time.Time

	// runMu serializes runs against document reads and writes; a run mutates
	// its documents in place.
	runMu sync.RWMutex

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a gateway. hub may be nil.
func New(cfg Config, hub *events.Hub, logger *slog.Logger) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 500 * time.Millisecond
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if cfg.Pipeline.Events == nil {
		cfg.Pipeline.Events = hub
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		events:    hub,
		reg:       newRegistry(),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
}

// AddPipeline registers a pipeline built elsewhere, e.g. from pipelines_dir.
func (s *Server) AddPipeline(p *pipeline.Pipeline) {
	s.reg.putPipeline(p)
}

// ShutdownRequested is closed once a client calls POST /shutdown and the
// grace delay has passed.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.stop }

// Start listens on cfg.Addr and serves until ctx is cancelled or a client
// requests shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln. Pipelines are closed when it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	defer s.reg.closeAll()

	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "auth", s.cfg.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.stop:
		s.logger.Info("shutdown requested by client")
	case err := <-errCh:
		return fmt.Errorf("gateway serve: %w", err)
	}

	s.logger.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/pipelines", s.handleLoadPipeline)
		r.Post("/pipelines/{name}/run", s.handleRun)

		r.Post("/documents", s.handleCreateDocument)
		r.Post("/documents/import", s.handleImportDocument)
		r.Get("/documents/{name}", s.handleExportDocument)
		r.Delete("/documents/{name}", s.handleDeleteDocument)

		r.Post("/corpora", s.handleCreateCorpus)
		r.Post("/corpora/{name}/documents", s.handleAddToCorpus)
		r.Delete("/corpora/{name}/documents", s.handleClearCorpus)

		r.Get("/resources", s.handleResources)
		r.Get("/events", s.handleEvents)
		r.Post("/shutdown", s.handleShutdown)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Check(r, s.cfg.Token); err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAuthenticated(r.Context(), s.cfg.Token != "")))
	})
}

// action logs a gateway call with its arguments when log_actions is set.
func (s *Server) action(r *http.Request, name string, args ...any) {
	if !s.cfg.LogActions {
		return
	}
	attrs := append([]any{"action", name, "request_id", middleware.GetReqID(r.Context())}, args...)
	s.logger.Info("gateway action", attrs...)
}
