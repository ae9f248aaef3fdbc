package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
)

// Router holds everything the HTTP surface is built from.
type Router struct {
	Execute    *ExecuteHandler
	Management *ManagementHandler
	Health     *HealthHandler
	Middleware *Middleware
	Metrics    *metrics.Metrics
}

// Handler assembles the chi router.
func (rt Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Metrics.Middleware)

	r.Get("/health", rt.Health.HandleHealth)
	r.Handle("/metrics", rt.Metrics.Handler())

	r.Route("/execute/{path}", func(r chi.Router) {
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
			r.Method(method, "/", http.HandlerFunc(rt.Execute.HandleExecute))
			r.Method(method, "/*", http.HandlerFunc(rt.Execute.HandleExecute))
		}
		r.Options("/", rt.Execute.HandlePreflight)
		r.Options("/*", rt.Execute.HandlePreflight)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(rt.Middleware.CORSMiddleware)
		r.Use(rt.Middleware.AuthMiddleware)
		rt.Management.Routes(r)
	})

	return r
}
