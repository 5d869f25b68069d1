// Package debugserver exposes the engine's health check, Prometheus
// metrics, and a JSON snapshot of the pacing controller's live state for
// local operator tooling. It is never required for the engine to run.
package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpmw "go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/framepacer/core/internal/log"
)

// Stats is the JSON shape served at /debug/stats.
type Stats struct {
	EstimatedDelaySeconds float64   `json:"estimated_delay_seconds"`
	HasDelayEstimate      bool      `json:"has_delay_estimate"`
	NeedsRecalibration    bool      `json:"needs_recalibration"`
	StageEstimatesSeconds []float64 `json:"stage_estimates_seconds"`
	TrackerQueueDepth     int       `json:"tracker_queue_depth"`
}

// StatsProvider is implemented by the assembled engine.
type StatsProvider interface {
	Stats() Stats
}

// Config configures the debug HTTP server.
type Config struct {
	Addr string
	// RateLimitRPS bounds requests per IP per second across the whole
	// mux; zero disables rate limiting.
	RateLimitRPS int
	Stats        StatsProvider
}

// Server is a small chi-routed HTTP server, not started until Start is
// called.
type Server struct {
	httpServer *http.Server
}

// New builds the debug server's handler and binds it to cfg.Addr.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(log.Middleware())
	if cfg.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := Stats{}
		if cfg.Stats != nil {
			stats = cfg.Stats.Stats()
		}
		_ = json.NewEncoder(w).Encode(stats)
	})

	handler := httpmw.NewHandler(r, "framepacer-debugserver")

	return &Server{httpServer: &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
