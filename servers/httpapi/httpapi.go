// Package httpapi serves the broker's REST interface: allocation and
// deletion for tracks, pool administration, health probes and metrics.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"miren.dev/broker/metrics"
	"miren.dev/broker/service"
)

const (
	readHeaderTimeout = 5 * time.Second
	limiterCacheSize  = 4096
	limiterTTL        = 10 * time.Minute
)

// Options configure the API server.
type Options struct {
	Addr string

	// APIToken guards the track endpoints, AdminToken guards
	// everything under /v1/admin. An empty token leaves that surface
	// open, which is only sensible in dev mode.
	APIToken   string
	AdminToken string

	// RateLimitRPS and RateLimitBurst bound the request rate per
	// caller. Zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server exposes a service.Broker over HTTP.
type Server struct {
	log    *slog.Logger
	broker *service.Broker
	opts   Options

	limiters *expirable.LRU[string, *rate.Limiter]

	server *http.Server
}

func NewServer(log *slog.Logger, broker *service.Broker, opts Options) *Server {
	s := &Server{
		log:    log.With("component", "httpapi"),
		broker: broker,
		opts:   opts,
	}

	if opts.RateLimitRPS > 0 {
		s.limiters = expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL)
	}
	if opts.APIToken == "" {
		s.log.Warn("no api token configured, track endpoints are unauthenticated")
	}
	if opts.AdminToken == "" {
		s.log.Warn("no admin token configured, admin endpoints are unauthenticated")
	}

	return s
}

// Handler builds the route table with the middleware chain applied.
// Exposed separately from Start so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/allocate", s.withAuth(s.opts.APIToken, s.handleAllocate))
	mux.HandleFunc("GET /v1/sandboxes/{id}", s.withAuth(s.opts.APIToken, s.handleGetSandbox))
	mux.HandleFunc("POST /v1/sandboxes/{id}/mark-for-deletion", s.withAuth(s.opts.APIToken, s.handleMarkForDeletion))

	mux.HandleFunc("GET /v1/admin/sandboxes", s.withAuth(s.opts.AdminToken, s.handleListSandboxes))
	mux.HandleFunc("GET /v1/admin/stats", s.withAuth(s.opts.AdminToken, s.handleStats))
	mux.HandleFunc("POST /v1/admin/sync", s.withAuth(s.opts.AdminToken, s.handleSync))
	mux.HandleFunc("POST /v1/admin/cleanup", s.withAuth(s.opts.AdminToken, s.handleCleanup))
	mux.HandleFunc("POST /v1/admin/bulk-delete", s.withAuth(s.opts.AdminToken, s.handleBulkDelete))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = corsHeaders(h)
	h = securityHeaders(h)
	h = s.logRequests(h)
	h = requestID(h)
	return h
}

// Start binds the listener and begins serving in the background. Use
// Shutdown to stop. Bind failures surface here so a busy port kills
// startup instead of leaving a broker without a listener.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.log.Info("starting http api", "addr", s.opts.Addr)

	go func() {
		err := s.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("error serving http api", "error", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("shutdown called but server is not running")
	}
	return s.server.Shutdown(ctx)
}
