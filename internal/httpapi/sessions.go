package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// createSessionRequest is the body POST /api/sessions accepts.
type createSessionRequest struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
}

// createSession implements POST /api/sessions. Idempotent: posting the
// same agent twice returns the existing row rather than erroring, the
// same way the gateway's own request path reuses a derived session key.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "malformed request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "agentId is required")
		return
	}

	id := "agent:" + req.AgentID + ":main"
	if existing, err := s.Store.GetSession(r.Context(), id); err == nil && existing != nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	now := time.Now()
	sess := &domain.Session{ID: id, AgentID: req.AgentID, Name: req.Name, CreatedAt: now, UpdatedAt: now}
	if sess.Name == "" {
		sess.Name = "New session " + uuid.NewString()[:8]
	}
	if err := s.Store.UpsertSession(r.Context(), sess); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.Store.ClearMessages(r.Context(), sessionID); err != nil {
		writeGatewayErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := s.Store.ListSessions(r.Context(), agentID, limit, offset)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, string(gatewayerr.NotFound), "no such session: "+sessionID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	messages, err := s.Store.ListMessages(r.Context(), sessionID, limit, offset)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.Store.DeleteSession(r.Context(), sessionID); err != nil {
		writeGatewayErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeGatewayErr(w http.ResponseWriter, err error) {
	ge := gatewayerr.As(err)
	writeError(w, ge.HTTPStatus(), string(ge.Code), ge.Message)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
