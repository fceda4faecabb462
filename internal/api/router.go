package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/memoflow/internal/api/handler"
	mw "github.com/kiranshivaraju/memoflow/internal/api/middleware"
	"github.com/kiranshivaraju/memoflow/internal/api/response"
	"github.com/kiranshivaraju/memoflow/internal/apikey"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Health http.HandlerFunc
	Memos  *handler.Memos
	Admin  *handler.Admin
}

// NewRouter builds the Chi router with middleware stack and all routes.
// Memos and Admin must be set.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.Health))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAnyScope(apikey.ScopeMemos, apikey.ScopeAdmin))

			m := deps.Memos
			r.Post("/api/v1/memos", m.Create)
			r.Route("/api/v1/memos/{memoID}", func(r chi.Router) {
				r.Get("/", m.Get)
				r.Delete("/", m.Delete)
				r.Put("/audio", m.UploadAudio)
				r.Get("/status", m.Status)
				r.Get("/events", m.Events)
				r.Get("/transcript", m.Transcript)
				r.Get("/content", m.Content)
				r.Post("/jobs", m.CreateJob)
				r.Post("/restart", m.Restart)
			})
			r.Get("/api/v1/usage", m.Usage)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(apikey.ScopeAdmin))

			a := deps.Admin
			r.Get("/api/v1/admin/jobs", a.Jobs)
			r.Get("/api/v1/admin/jobs/dead", a.DeadLetters)
			r.Post("/api/v1/admin/accounts", a.CreateAccount)
			r.Post("/api/v1/admin/keys", a.CreateKey)
			r.Get("/api/v1/admin/keys", a.ListKeys)
			r.Delete("/api/v1/admin/keys/{keyID}", a.RevokeKey)
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
