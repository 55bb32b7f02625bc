// Package httpapi wires the gateway's HTTP surface: the WebSocket and
// long-poll bridge endpoints served by the Connection Hub, health/stats,
// and the REST routes for sessions, agents, filesystem browsing, and
// provider credentials used by UIs.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/credentials"
	"github.com/wingman-ai/gateway/internal/fsbrowse"
	"github.com/wingman-ai/gateway/internal/hub"
	"github.com/wingman-ai/gateway/internal/store"
)

// Server holds the dependencies the HTTP API routes against.
type Server struct {
	Cfg     *config.Config
	Hub     *hub.Hub
	Store   store.Repository
	Browser *fsbrowse.Browser
	Creds   *credentials.Store
}

// Router builds the chi router exposing every gateway HTTP endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.Hub.HandleHealth)
	r.Get("/ws", s.Hub.ServeHTTP)
	r.Post("/bridge/send", s.Hub.HandleBridgeSend)
	r.Get("/bridge/poll", s.Hub.HandleBridgePoll)

	r.Get("/stats", s.Hub.HandleStats)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Get("/{sessionID}", s.getSession)
			r.Get("/{sessionID}/messages", s.listMessages)
			r.Delete("/{sessionID}/messages", s.clearMessages)
			r.Delete("/{sessionID}", s.deleteSession)
		})

		r.Get("/agents", s.listAgents)
		r.Get("/agents/{agentID}", s.getAgent)
		r.Post("/agents/{agentID}", s.putAgent)
		r.Put("/agents/{agentID}", s.putAgent)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Delete("/{name}", s.deleteGroup)
		})

		r.Route("/fs", func(r chi.Router) {
			r.Get("/roots", s.fsRoots)
			r.Get("/list", s.fsList)
			r.Post("/mkdir", s.fsMkdir)
			r.Get("/file", s.fsRead)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.listProviders)
			r.Post("/{name}", s.setProvider)
			r.Delete("/{name}", s.deleteProvider)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"code":"Internal","message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
