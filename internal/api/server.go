// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the read side of the accounting engine over HTTP.
//
// The main listener is a unix socket: each connection is attributed to the
// peer's uid, which decides which stats rows it may see. An optional TCP
// listener exposes only /metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// DefaultSocketPath is where the read interface listens.
const DefaultSocketPath = "/run/tagacct/api.sock"

// ServerConfig holds HTTP server timeouts and limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      int64(qtaguid.MaxCommandLen) + 1,
	}
}

// Engine is the engine surface the read interface uses.
type Engine interface {
	StatRows(c qtaguid.Caller) []qtaguid.StatRow
	SockTagRows(c qtaguid.Caller) []qtaguid.SockTag
	InterfaceTotals() []qtaguid.InterfaceTotals
	Events() qtaguid.EventsSnapshot
	Execute(c qtaguid.Caller, line string) (int, error)
}

// CallerFunc identifies the peer of an accepted connection.
type CallerFunc func(conn net.Conn) (qtaguid.Caller, error)

// Server handles API requests.
type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	cfg      *ServerConfig
	router   *mux.Router
	caller   CallerFunc

	mu      sync.Mutex
	servers []*http.Server
}

// NewServer creates the API server. gatherer backs /metrics; nil disables
// the route.
func NewServer(engine Engine, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	s := &Server{
		engine:   engine,
		gatherer: gatherer,
		logger:   logger,
		cfg:      DefaultServerConfig(),
		router:   mux.NewRouter(),
		caller:   kernel.PeerCaller,
	}
	s.registerRoutes()
	return s
}

// SetCallerFunc replaces the peer identification, mainly for tests.
func (s *Server) SetCallerFunc(fn CallerFunc) {
	s.caller = fn
}

func (s *Server) registerRoutes() {
	r := s.router

	r.HandleFunc("/stats", s.requireCaller(s.handleStats)).Methods("GET")
	r.HandleFunc("/stats.json", s.requireCaller(s.handleStatsJSON)).Methods("GET")
	r.HandleFunc("/ctrl", s.requireCaller(s.handleCtrl)).Methods("GET")
	r.HandleFunc("/ctrl.json", s.requireCaller(s.handleCtrlJSON)).Methods("GET")
	r.HandleFunc("/ctrl", s.requireCaller(s.handleCtrlCommand)).Methods("POST")
	r.HandleFunc("/iface_stat", s.handleIfaceStat).Methods("GET")
	r.HandleFunc("/iface_stat.json", s.handleIfaceStatJSON).Methods("GET")
	r.HandleFunc("/iface_stat/{iface}", s.handleIfaceStatOne).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", s.metricsHandler()).Methods("GET")
	}
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	})
}

type promLogger struct{ l *logging.Logger }

func (p promLogger) Println(v ...any) {
	p.l.Warn("Metrics handler error", "detail", fmt.Sprint(v...))
}

// Handler returns the routed handler wrapped in request logging and the
// body size limit.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.maxBodyMiddleware(s.cfg.MaxBodyBytes)(s.router))
}

func (s *Server) newHTTPServer(handler http.Handler) *http.Server {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	s.mu.Lock()
	s.servers = append(s.servers, server)
	s.mu.Unlock()
	return server
}

// ListenUnix opens the unix socket at socketPath, replacing a stale socket
// file. The socket is world-accessible: rows are filtered per peer uid.
func ListenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "create socket directory for %s", socketPath)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "failed to listen on %s", socketPath)
	}
	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return nil, errors.Wrapf(err, errors.KindInternal, "failed to set socket permissions on %s", socketPath)
	}
	return listener, nil
}

// ServeListener serves the full API on listener, attributing each
// connection to its peer. It blocks until the server is shut down.
func (s *Server) ServeListener(listener net.Listener) error {
	server := s.newHTTPServer(s.Handler())
	server.ConnContext = s.connContext

	s.logger.Info("API server listening", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.KindInternal, "api server")
	}
	return nil
}

// ServeMetrics serves only /metrics on a TCP address. It blocks until the
// server is shut down.
func (s *Server) ServeMetrics(addr string) error {
	if s.gatherer == nil {
		return errors.New(errors.KindValidation, "no metrics gatherer configured")
	}
	router := mux.NewRouter()
	router.Handle("/metrics", s.metricsHandler()).Methods("GET")
	server := s.newHTTPServer(s.loggingMiddleware(router))
	server.Addr = addr

	s.logger.Info("Metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, errors.KindInternal, "metrics server on %s", addr)
	}
	return nil
}

// Shutdown gracefully stops every listener started by this server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var firstErr error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type callerKey struct{}

type callerInfo struct {
	caller qtaguid.Caller
	err    error
}

// WithCaller attaches the requesting identity to ctx.
func WithCaller(ctx context.Context, c qtaguid.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, callerInfo{caller: c})
}

// CallerFromContext returns the identity attached by WithCaller or by the
// unix listener.
func CallerFromContext(ctx context.Context) (qtaguid.Caller, error) {
	info, ok := ctx.Value(callerKey{}).(callerInfo)
	if !ok {
		return qtaguid.Caller{}, errors.New(errors.KindPermission, "request has no peer identity")
	}
	return info.caller, info.err
}

func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	c, err := s.caller(conn)
	if err != nil {
		s.logger.Debug("Peer identity unavailable", "error", err)
	}
	return context.WithValue(ctx, callerKey{}, callerInfo{caller: c, err: err})
}

// loggingMiddleware tags each request with an X-Request-ID and logs it at
// debug level, failures above that.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		args := []any{"method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode,
			"request_id", requestID, "duration", time.Since(start).Round(time.Millisecond)}
		switch {
		case wrapped.statusCode >= 500:
			s.logger.Error("API request", args...)
		case wrapped.statusCode >= 400:
			s.logger.Warn("API request", args...)
		default:
			s.logger.Debug("API request", args...)
		}
	})
}

// maxBodyMiddleware limits request bodies; commands are single short lines.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
