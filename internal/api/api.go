// Package api is a lightweight HTTP surface for health checks and
// Prometheus-compatible metrics scraping, separate from the orchestrator's
// own control loop.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oya-run/orchestrator/internal/metrics"
)

// Server serves /health and /metrics over HTTP.
type Server struct {
	metrics    *metrics.Registry
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// New constructs a Server. A nil logger defaults to slog.Default().
func New(reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{metrics: reg, logger: logger, startTime: time.Now()}
}

// Start listens on addr and serves until ctx is cancelled. It returns once
// the listener is closed.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"healthy":     true,
		"uptime_secs": time.Since(s.startTime).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
