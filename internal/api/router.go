package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/relaycopy/internal/api/middleware"
	"github.com/kiranshivaraju/relaycopy/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SessionStatus   http.HandlerFunc
	SessionLogout   http.HandlerFunc
	SessionCode     http.HandlerFunc
	SessionVerify   http.HandlerFunc
	SessionPassword http.HandlerFunc

	CreateJob http.HandlerFunc
	ListJobs  http.HandlerFunc
	GetJob    http.HandlerFunc
	DeleteJob http.HandlerFunc
	PauseJob  http.HandlerFunc
	ResumeJob http.HandlerFunc
	StopJob   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeSessions))

			r.Get("/api/v1/session", orNotImplemented(deps.SessionStatus))
			r.Delete("/api/v1/session", orNotImplemented(deps.SessionLogout))
			r.Post("/api/v1/session/code", orNotImplemented(deps.SessionCode))
			r.Post("/api/v1/session/verify", orNotImplemented(deps.SessionVerify))
			r.Post("/api/v1/session/password", orNotImplemented(deps.SessionPassword))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeJobs))

			r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJob))
			r.Post("/api/v1/jobs/{jobID}/pause", orNotImplemented(deps.PauseJob))
			r.Post("/api/v1/jobs/{jobID}/resume", orNotImplemented(deps.ResumeJob))
			r.Post("/api/v1/jobs/{jobID}/stop", orNotImplemented(deps.StopJob))
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
