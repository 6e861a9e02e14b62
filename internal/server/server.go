// Package server implements the HTTP transport layer for the Palantir gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/proxy"
	"github.com/eugener/palantir/internal/reqfilter"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Relay          *proxy.Handler
	Store          storage.Store       // nil = no admin CRUD (for tests)
	Sessions       *session.Tracker
	Breakers       *circuitbreaker.Registry
	Classifier     *errclass.Classifier
	Filters        *reqfilter.Engine
	AdminToken     string              // empty disables the admin API
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	InvalidateAuth func()              // drops the auth cache after admin writes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Relay endpoints (key auth). All four wire protocols land on the same
	// pipeline handler; format detection happens inside.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", deps.Relay.ServeHTTP)
		r.Post("/v1/messages/count_tokens", deps.Relay.ServeHTTP)
		r.Post("/v1/chat/completions", deps.Relay.ServeHTTP)
		r.Post("/v1/responses", deps.Relay.ServeHTTP)
		r.Post("/v1beta/models/*", deps.Relay.ServeHTTP)
		r.Post("/v1internal/models/*", deps.Relay.ServeHTTP)
		r.Post("/v1internal:generateContent", deps.Relay.ServeHTTP)
		r.Post("/v1internal:streamGenerateContent", deps.Relay.ServeHTTP)
	})

	// Admin API (bearer ADMIN_TOKEN)
	if deps.Store != nil && deps.AdminToken != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleCreateProvider)
			r.Put("/providers/{id}", s.handleUpdateProvider)
			r.Delete("/providers/{id}", s.handleDeleteProvider)

			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Post("/users/{id}/keys", s.handleCreateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)

			r.Get("/error-rules", s.handleListErrorRules)
			r.Post("/error-rules", s.handleCreateErrorRule)
			r.Delete("/error-rules/{id}", s.handleDeleteErrorRule)

			r.Get("/request-filters", s.handleListRequestFilters)
			r.Post("/request-filters", s.handleCreateRequestFilter)
			r.Delete("/request-filters/{id}", s.handleDeleteRequestFilter)

			r.Post("/prices/import", s.handleImportPrices)
			r.Get("/circuit-breakers", s.handleCircuitBreakers)
			r.Get("/sessions", s.handleActiveSessions)
		})
	}

	return r
}

type server struct {
	deps Deps
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
