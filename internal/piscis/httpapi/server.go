// Package httpapi is the JSON HTTP surface of the service: the two request
// ledgers, the protected resources, and the health and metrics endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acuicola/piscis/internal/piscis/approvals"
	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/metrics"
	"github.com/acuicola/piscis/internal/piscis/resources"
)

// TokenValidator turns a bearer token into an actor.
type TokenValidator interface {
	ValidateToken(token string) (auth.Actor, error)
}

// StatusProvider feeds /status.
type StatusProvider interface {
	PendingCount(ctx context.Context) (int, error)
}

// Deps are the collaborators of the router. Approvals, Mutator and Tokens
// are required.
type Deps struct {
	Approvals *approvals.Service
	Mutator   *resources.Mutator
	Tokens    TokenValidator
	Metrics   *metrics.Metrics
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer  prometheus.Gatherer
	Status    StatusProvider
	StartedAt time.Time
}

type server struct {
	approvals *approvals.Service
	mutator   *resources.Mutator
	tokens    TokenValidator
	metrics   *metrics.Metrics
	status    StatusProvider
	startedAt time.Time
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{
		approvals: d.Approvals,
		mutator:   d.Mutator,
		tokens:    d.Tokens,
		metrics:   d.Metrics,
		status:    d.Status,
		startedAt: d.StartedAt,
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Use(traceRequests, s.observe, recoverPanics)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/edit-requests", s.requestRoutes(approvals.KindEdit))
		r.Route("/deactivate-requests", s.requestRoutes(approvals.KindDeactivateRestore))

		r.Route("/{resource}", func(r chi.Router) {
			r.Get("/", s.handleListRecords)
			r.Post("/", s.handleCreateRecord)
			r.Get("/{id}", s.handleGetRecord)
			r.Put("/{id}", s.handleReplaceRecord)
			r.Patch("/{id}", s.handlePatchRecord)
			r.Delete("/{id}", s.handleDeactivateRecord)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
	return r
}

func (s *server) requestRoutes(kind approvals.Kind) func(chi.Router) {
	h := &requestHandlers{server: s, kind: kind}
	return func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Get("/pending", h.pending)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.decide)
		r.Post("/{id}/verify", h.verify)
	}
}
