// Package rest hosts the thin HTTP collaborators around the websocket core:
// health, session listing, transcript export and file upload.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatbridge/internal/provider"
	"chatbridge/internal/service/session"
	"chatbridge/pkg/utils"
)

// ConnectionCounter reports how many websocket clients are connected.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Handler serves the REST endpoints.
type Handler struct {
	store    *session.Store
	provider provider.Provider
	conns    ConnectionCounter
}

// New creates the REST handler. provider may be nil when no backend is
// configured.
func New(store *session.Store, prov provider.Provider, conns ConnectionCounter) *Handler {
	return &Handler{store: store, provider: prov, conns: conns}
}

// RegisterRoutes attaches all REST endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}/export", h.handleExport)
	r.Post("/upload", h.handleUpload)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providerName := "none"
	available := false
	if h.provider != nil {
		providerName = h.provider.Name()
		available = h.provider.Available()
	}

	connections := 0
	if h.conns != nil {
		connections = h.conns.ActiveConnections()
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"provider":          providerName,
		"providerAvailable": available,
		"activeSessions":    h.store.Count(r.Context()),
		"activeConnections": connections,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.List(r.Context()))
}
