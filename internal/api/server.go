package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	Handler http.Handler

	// ShutdownTimeout bounds how long Serve waits for in-flight requests
	// once its context is cancelled.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server serves the API until its context is cancelled.
type Server struct {
	config ServerConfig
	logger *slog.Logger
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: cfg, logger: logger}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts requests on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to the
// shutdown timeout for in-flight requests to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.config.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown timeout reached, forcing close", "error", err)
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("all requests completed")
	return nil
}
