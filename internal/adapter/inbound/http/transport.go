package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// DefaultAddr binds the server to localhost only.
const DefaultAddr = "127.0.0.1:8787"

// Server is the inbound HTTP adapter in front of the approval gate.
type Server struct {
	gate           Decider
	policies       policy.Store
	addr           string
	allowedOrigins []string
	token          string
	certFile       string
	keyFile        string
	registry       *prometheus.Registry
	healthChecker  *HealthChecker
	metrics        *Metrics
	auditLog       audit.Logger
	logger         *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed browser origins. Empty blocks every
// request that carries an Origin header.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithToken requires "Authorization: Bearer <token>" on the /v1/ routes.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithRegistry serves metrics from reg. The gate's decision metrics should
// be registered on the same registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithHealthChecker sets the health checker for /healthz.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.healthChecker = hc }
}

// WithAuditLogger records decide requests rejected before they reach the
// gate. Decisions the gate makes are audited by the gate itself.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Server) { s.auditLog = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP adapter.
func NewServer(gate Decider, policies policy.Store, opts ...Option) *Server {
	s := &Server{
		gate:     gate,
		policies: policies,
		addr:     DefaultAddr,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.healthChecker == nil {
		s.healthChecker = NewHealthChecker(policies, nil, "")
	}
	s.registerRuntimeCollectors()
	s.metrics = NewMetrics(s.registry)
	return s
}

// registerRuntimeCollectors adds the Go and process collectors. A registry
// shared with another server already has them.
func (s *Server) registerRuntimeCollectors() {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := s.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				s.logger.Warn("failed to register runtime collector", "error", err)
			}
		}
	}
}

// Handler builds the routed handler with its middleware chain:
// RequestID -> DNSRebinding -> BearerToken -> Metrics -> route.
func (s *Server) Handler() http.Handler {
	api := func(route string, h http.Handler) http.Handler {
		h = MetricsMiddleware(s.metrics, route)(h)
		h = BearerTokenMiddleware(s.token)(h)
		h = DNSRebindingProtection(s.allowedOrigins)(h)
		return RequestIDMiddleware(s.logger)(h)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/decide", api("decide", decideHandler(s.gate, s.auditLog)))
	mux.Handle("/v1/policy/reload", api("policy_reload", reloadHandler(s.policies)))
	mux.Handle("/healthz", s.healthChecker.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return mux
}

// Start listens and serves until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.certFile != "" && s.keyFile != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address once Start is listening, else the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}
