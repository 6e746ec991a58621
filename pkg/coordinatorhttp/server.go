package coordinatorhttp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rhuss/sandboxd/pkg/auth"
	"github.com/rhuss/sandboxd/pkg/coordinator"
	"github.com/rhuss/sandboxd/pkg/history"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	// AuthChain, if set, requires every request to authenticate against
	// it. Nil serves the coordinator unauthenticated.
	AuthChain *auth.AuthChain

	// RateLimiter, if set alongside AuthChain, rejects requests from an
	// authenticated identity once its service tier's allowance is spent.
	RateLimiter auth.RateLimiter
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":8088"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server wraps an http.Server fronting one Coordinator session, with the
// same graceful-shutdown lifecycle as the teacher's transport/http.Server.
type Server struct {
	httpServer *http.Server
	config     ServerConfig
}

// NewServer builds a Server for the given Coordinator. store is optional
// and only used to serve the read-only execution-history endpoints.
func NewServer(coord *coordinator.Coordinator, store history.Store, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	adapter := NewAdapter(coord, store)
	if cfg.AuthChain != nil {
		adapter.RequireAuth(cfg.AuthChain)
		if cfg.RateLimiter != nil {
			adapter.RequireRateLimit(cfg.RateLimiter)
		}
	}

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:    cfg.Addr,
			Handler: adapter.Handler(cfg.Logger),
		},
	}
}

// ServeOn starts serving on the given listener and blocks until ctx is
// canceled, then shuts down gracefully within ShutdownTimeout.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// ListenAndServe starts the server on its configured address and blocks
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.ServeOn(ctx, ln)
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
