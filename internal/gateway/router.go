// ABOUTME: HTTP routing for the operator API, health probes and metrics
// ABOUTME: chi router with per-IP rate limiting and JWT auth on /api

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-relay/internal/auth"
)

// API rate limit per client IP.
const (
	apiRequestLimit = 60
	apiRateWindow   = time.Minute
)

// rateLimit limits requests per client IP and answers JSON 429s with Retry-After.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(apiRequestLimit, apiRateWindow))
		r.Use(auth.HTTPAuthMiddleware(g.verifier))

		r.Post("/session/start", g.handleStartSession)
		r.Post("/session/stop", g.handleStopSession)
		r.Get("/session", g.handleGetSession)
		r.Get("/session/events", g.handleSessionEvents)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{id}/transitions", g.handleListTransitions)
		r.Get("/audit", g.handleListAudit)
	})

	return r
}
