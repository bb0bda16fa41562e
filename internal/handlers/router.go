package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the health and delay handlers
func NewRouter(health *HealthHandler, delays *DelayHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", health.GetHealth)
	r.Get("/health/cycles", health.GetCycles)

	// Legacy health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/delays", delays.GetDelayStats)
	r.Get("/api/routes/{routeNumber}/status", delays.GetRouteStatus)
	r.Post("/api/favorites", delays.PostFavorite)
	r.Post("/api/cycles", delays.PostCycle)

	return r
}

// NewServer returns an HTTP server for handler on addr
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
