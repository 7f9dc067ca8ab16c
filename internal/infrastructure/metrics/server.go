// Package metrics serves the runtime's observability endpoints: the
// Prometheus scrape target and a liveness probe.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"grid_trader/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 5 * time.Second

// Server exposes /metrics and /healthz over plain HTTP
type Server struct {
	port   int
	logger core.ILogger

	srv      *http.Server
	listener net.Listener
}

// NewServer builds the endpoint server. Port 0 binds an ephemeral port,
// readable through Addr after Start.
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start binds the listener and begins serving in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to bind metrics endpoint: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.listener = listener
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		s.logger.Info("Serving metrics endpoint", "addr", listener.Addr().String())
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address. Valid only after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight scrapes and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics endpoint")
	return s.srv.Shutdown(ctx)
}
