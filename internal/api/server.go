// Package api exposes the task operations and the sync exchange over HTTP,
// plus a websocket change feed.
//
// Routes:
//
//	GET    /tasks?clientId=   live tasks, newest first
//	GET    /tasks/{id}        one live task
//	POST   /tasks             create
//	PUT    /tasks/{id}        update, optional version check
//	DELETE /tasks/{id}        soft delete, returns the tombstone
//	POST   /tasks/sync        sync exchange
//	GET    /ws                change feed
//	GET    /health            liveness
//	GET    /metrics           Prometheus exposition
//
// Failures use the body {"error": "..."}.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/tasks"
)

// Pinger reports whether the store is reachable. *db.DB implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit is requests per second per remote host (0 disables)
	RateLimit float64
	RateBurst int

	// Logger for server activity (default: logrus standard logger)
	Logger logrus.FieldLogger

	// Metrics is required for /metrics; a fresh set is created when nil
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		RateLimit:    50,
		RateBurst:    100,
		Logger:       logrus.StandardLogger(),
	}
}

// Server serves the HTTP API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	tasks   *tasks.Service
	engine  *sync.Engine
	feed    *Feed
	pinger  Pinger
	config  *Config
	metrics *metrics.Metrics
	logger  logrus.FieldLogger

	wg gosync.WaitGroup
}

// NewServer wires the handlers. feed and pinger may be nil.
func NewServer(svc *tasks.Service, engine *sync.Engine, feed *Feed, pinger Pinger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}

	return &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		tasks:   svc,
		engine:  engine,
		feed:    feed,
		pinger:  pinger,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger.WithField("component", "api"),
	}
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /tasks", s.handleCreate)
	mux.HandleFunc("PUT /tasks/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDelete)
	mux.HandleFunc("POST /tasks/sync", s.handleSync)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.feed != nil {
		mux.Handle("GET /ws", s.feed)
	}

	var h http.Handler = metricsMiddleware(s.metrics, mux)
	if s.config.RateLimit > 0 {
		h = newRateLimiter(s.config.RateLimit, s.config.RateBurst).middleware(h)
	}
	return loggingMiddleware(s.logger, h)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", s.Addr()).Info("server listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, waiting up to 5s for in-flight
// requests. The feed is closed first so websocket clients do not hold
// the shutdown open.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")

	if s.feed != nil {
		s.feed.Close()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
