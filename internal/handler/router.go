package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chatbridge/internal/handler/rest"
	"chatbridge/internal/handler/ws"
	"chatbridge/internal/provider"
	"chatbridge/internal/service/orchestrator"
	"chatbridge/internal/service/session"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(store *session.Store, orch *orchestrator.Service, prov provider.Provider) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	gateway := ws.New(store, orch)
	restHandler := rest.New(store, prov, gateway)

	r.Route("/api", func(api chi.Router) {
		gateway.RegisterRoutes(api)
		restHandler.RegisterRoutes(api)
	})

	return r
}
