// Package http provides the HTTP transport layer for the lapse frame server.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /images
//	GET    /image/{tier}/{key}
//	GET    /timelapse/{key}
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/lapse/internal/config"
	"github.com/snehjoshi/lapse/internal/library"
	"github.com/snehjoshi/lapse/internal/metrics"
)

// Server wraps the stdlib HTTP server with frame server route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over a Library.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(lib *library.Library, cfg *config.Config, nodeID string, reg *metrics.Registry) *Server {
	h := &Handler{lib: lib, nodeID: nodeID, started: time.Now()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Frames
	mux.HandleFunc("GET /images", h.listImages)
	mux.HandleFunc("GET /image/{tier}/{key}", h.getImage)
	mux.HandleFunc("GET /timelapse/{key}", h.getOriginal)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	rps := cfg.Server.RateLimitRPS
	burst := cfg.Server.RateLimitBurst
	if rps <= 0 {
		rps = 100
	}
	if burst < 1 {
		burst = 200
	}

	// Build middleware chain: CORS → body limit → logging → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":3000").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
