package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// agentInfo describes one configured agent and the routing bindings that
// can select it, for UIs that let a user inspect/author routing rules.
type agentInfo struct {
	ID        string   `json:"id"`
	IsDefault bool     `json:"isDefault"`
	Bindings  []string `json:"bindings,omitempty"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.Cfg.ResolvedAgents()
	out := make([]agentInfo, 0, len(agents))
	for _, id := range agents {
		out = append(out, agentInfo{
			ID:        id,
			IsDefault: id == s.Cfg.DefaultAgent,
			Bindings:  bindingDescriptions(s.Cfg, id),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// getAgent implements GET /api/agents/{id}.
func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if !s.Cfg.HasAgent(id) {
		writeError(w, http.StatusNotFound, string(gatewayerr.NotFound), "no such agent: "+id)
		return
	}
	writeJSON(w, http.StatusOK, agentInfo{ID: id, IsDefault: id == s.Cfg.DefaultAgent, Bindings: bindingDescriptions(s.Cfg, id)})
}

// upsertAgentRequest is the body POST/PUT /api/agents/{id} accepts: the
// set of routing matches that should select this agent, replacing any
// prior bindings for it.
type upsertAgentRequest struct {
	Bindings []config.RoutingMatch `json:"bindings,omitempty"`
}

// putAgent implements POST and PUT /api/agents/{id}: both create the
// agent if absent and replace its routing bindings with the supplied
// set. POST and PUT are equivalent here because the resource ("this
// agent's bindings") is specified in full by the request body.
func (s *Server) putAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if id == "" {
		writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "agent id required")
		return
	}
	var req upsertAgentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, string(gatewayerr.Invalid), "malformed request body")
			return
		}
	}
	s.Cfg.UpsertAgent(id, req.Bindings)
	writeJSON(w, http.StatusOK, agentInfo{ID: id, IsDefault: id == s.Cfg.DefaultAgent, Bindings: bindingDescriptions(s.Cfg, id)})
}

func bindingDescriptions(cfg *config.Config, agentID string) []string {
	var out []string
	for _, b := range cfg.Agents.Bindings {
		if b.AgentID != agentID {
			continue
		}
		out = append(out, describeMatch(b.Match))
	}
	return out
}

func describeMatch(m config.RoutingMatch) string {
	parts := []struct {
		key, val string
	}{
		{"channel", m.Channel},
		{"accountId", m.AccountID},
		{"guildId", m.GuildID},
		{"teamId", m.TeamID},
		{"peerKind", m.PeerKind},
		{"peerId", m.PeerID},
	}
	desc := ""
	for _, p := range parts {
		if p.val == "" {
			continue
		}
		if desc != "" {
			desc += " "
		}
		desc += p.key + "=" + p.val
	}
	if desc == "" {
		return "*"
	}
	return desc
}
