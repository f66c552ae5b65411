package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitError  http.HandlerFunc
	ListErrors   http.HandlerFunc
	GetError     http.HandlerFunc
	ResolveError http.HandlerFunc
	AddComment   http.HandlerFunc

	RegenerateAPIKey http.HandlerFunc
	AddMembers       http.HandlerFunc
	RemoveMember     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Authenticated by project API key
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/errors", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.SubmitError))
			r.Get("/", orNotImplemented(deps.ListErrors))
			r.Get("/{errorID}", orNotImplemented(deps.GetError))
			r.Post("/{errorID}/resolve", orNotImplemented(deps.ResolveError))
			r.Post("/{errorID}/comments", orNotImplemented(deps.AddComment))
		})

		r.Route("/api/v1/project", func(r chi.Router) {
			r.Post("/api-key", orNotImplemented(deps.RegenerateAPIKey))
			r.Post("/members", orNotImplemented(deps.AddMembers))
			r.Delete("/members/{userID}", orNotImplemented(deps.RemoveMember))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
