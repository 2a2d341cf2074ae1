package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/taskworker/internal/engine"
	"github.com/seantiz/taskworker/internal/recovery"
	"github.com/seantiz/taskworker/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Redeliverer runs a single lost-result redelivery pass on demand.
type Redeliverer interface {
	RedeliverOnce(ctx context.Context) (recovery.Report, error)
}

// Server wraps the chi router and the worker process it exposes.
type Server struct {
	router      *chi.Mux
	handler     *engine.TaskHandler
	store       store.Store
	broker      *EventBroker
	redeliverer Redeliverer
	baseCtx     context.Context
	logger      *slog.Logger
	addr        string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore exposes the lost-result journal.
func WithStore(s store.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithEventBroker enables the SSE event stream.
func WithEventBroker(b *EventBroker) Option {
	return func(srv *Server) { srv.broker = b }
}

// WithRedeliverer enables on-demand lost-result redelivery.
func WithRedeliverer(r Redeliverer) Option {
	return func(srv *Server) { srv.redeliverer = r }
}

// WithBaseContext sets the context that workers started through the API run
// under. Defaults to context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(srv *Server) { srv.baseCtx = ctx }
}

// NewServer creates and configures a new ops HTTP server for handler.
func NewServer(addr string, handler *engine.TaskHandler, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		router:  chi.NewRouter(),
		handler: handler,
		baseCtx: context.Background(),
		logger:  logger,
		addr:    addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
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

	s.router.Route("/v1/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Post("/start", s.handleStartWorkers)
		r.Post("/stop", s.handleStopWorkers)
	})

	s.router.Route("/v1/lost-results", func(r chi.Router) {
		r.Get("/", s.handleListLostResults)
		r.Get("/stats", s.handleLostResultStats)
		r.Post("/redeliver", s.handleRedeliver)
		r.Get("/{id}", s.handleGetLostResult)
		r.Delete("/{id}", s.handleDeleteLostResult)
	})

	s.router.Get(eventStreamRoute, s.handleStreamEvents)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// Open event streams are closed before the server drains.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if s.broker != nil {
		s.broker.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
