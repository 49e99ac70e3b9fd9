// Package server is the development backend: an in-memory implementation of
// the analysis API (job creation, listing, results, file download and the
// websocket push channel) with simulated processing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/internal/server/backend"
	"github.com/3leaps/studyflow/internal/server/handlers"
	"github.com/3leaps/studyflow/internal/server/middleware"
)

// Timeouts applied by ListenAndServe unless overridden.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 0 // uploads and push channels are long-lived
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Server is the development backend.
type Server struct {
	host string
	port int

	token           string
	version         handlers.VersionInfo
	maxUpload       int64
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	simOpts         []backend.SimulatorOption
	metrics         *metrics.Collector
	log             *zap.Logger

	store  *backend.Store
	hub    *backend.Hub
	sim    *backend.Simulator
	health *handlers.HealthManager
	router chi.Router

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires a bearer token on the job endpoints.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithVersion sets what /version reports.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithMaxUpload bounds POST /jobs bodies.
func WithMaxUpload(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// WithTimeouts overrides the HTTP server timeouts. Zero values keep the
// defaults.
func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithSimulator passes options to the job simulator.
func WithSimulator(opts ...backend.SimulatorOption) Option {
	return func(s *Server) { s.simOpts = append(s.simOpts, opts...) }
}

// WithMetrics mounts the collector's handler on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a server for host:port. Port 0 picks a free port at listen
// time.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		version:         handlers.VersionInfo{Version: "dev"},
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		idleTimeout:     DefaultIdleTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = backend.NewStore()
	s.hub = backend.NewHub(s.store, s.log.Named("hub"))
	s.sim = backend.NewSimulator(s.store, append([]backend.SimulatorOption{
		backend.WithSimulatorLogger(s.log.Named("simulator")),
	}, s.simOpts...)...)

	s.health = handlers.NewHealthManager(s.version.Version)
	s.health.RegisterChecker("jobs", s.store)
	s.health.RegisterChecker("simulator", s.sim)

	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.RecoveryWithLogger(s.log))
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/health/startup", s.health.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	jobs := handlers.NewJobs(s.store, s.hub, s.sim, s.maxUpload, s.log.Named("jobs"))
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.token))
		jobs.Routes(r)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port, or the bound port once listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
}

// Store exposes the job store.
func (s *Server) Store() *backend.Store {
	return s.store
}

// Listen binds the address without serving, so callers can learn the port
// before Serve.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	return nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully:
// push channels and simulated jobs are stopped and in-flight requests get
// the shutdown timeout to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Dev server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Dev server shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the simulator and ends every push channel. It is idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	s.sim.Close()
}
