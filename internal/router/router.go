// Package router implements the Session Router: pure, deterministic
// derivation of (agentId, sessionKey) from an inbound request's routing
// and the gateway's configured agent bindings.
package router

import (
	"strings"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/domain"
)

// Resolve determines the agent and session key a request should be routed
// to. If req.AgentID is set it wins outright; otherwise bindings are
// scanned in order and the first full match selects the agent, falling
// back to defaultAgent and then the first configured agent. If req
// carries an explicit session key, it is used verbatim; otherwise one is
// derived deterministically from the routing.
func Resolve(cfg *config.Config, agentID, sessionKey string, routing domain.Routing) (resolvedAgent, resolvedSessionKey string) {
	resolvedAgent = agentID
	if resolvedAgent == "" {
		resolvedAgent = selectBinding(cfg, routing)
	}
	if resolvedAgent == "" {
		resolvedAgent = cfg.DefaultAgent
	}
	if resolvedAgent == "" {
		agents := cfg.ResolvedAgents()
		if len(agents) > 0 {
			resolvedAgent = agents[0]
		}
	}

	resolvedSessionKey = sessionKey
	if resolvedSessionKey == "" {
		resolvedSessionKey = DeriveSessionKey(resolvedAgent, routing)
	}
	return resolvedAgent, resolvedSessionKey
}

func selectBinding(cfg *config.Config, routing domain.Routing) string {
	for _, b := range cfg.Agents.Bindings {
		if bindingMatches(b.Match, routing) {
			return b.AgentID
		}
	}
	return ""
}

func bindingMatches(m config.RoutingMatch, r domain.Routing) bool {
	if m.Channel != "" && m.Channel != r.Channel {
		return false
	}
	if m.AccountID != "" && m.AccountID != r.AccountID {
		return false
	}
	if m.GuildID != "" && m.GuildID != r.GuildID {
		return false
	}
	if m.TeamID != "" && m.TeamID != r.TeamID {
		return false
	}
	if m.PeerKind != "" || m.PeerID != "" {
		if r.Peer == nil {
			return false
		}
		if m.PeerKind != "" && m.PeerKind != r.Peer.Kind {
			return false
		}
		if m.PeerID != "" && m.PeerID != r.Peer.ID {
			return false
		}
	}
	return true
}

// DeriveSessionKey deterministically derives a session key from an
// agent ID and a request's routing. Identical inputs always yield
// identical keys, including across process restarts.
func DeriveSessionKey(agentID string, r domain.Routing) string {
	if r.Peer != nil && r.Peer.Kind == "dm" || isEmptyRouting(r) {
		return "agent:" + agentID + ":main"
	}

	parts := []string{"agent", agentID, r.Channel}
	onlyBase := true

	if r.AccountID != "" {
		parts = append(parts, "account:"+r.AccountID)
		onlyBase = false
	}
	if r.Peer != nil {
		parts = append(parts, r.Peer.Kind+":"+r.Peer.ID)
		onlyBase = false
	}
	if r.ThreadID != "" {
		parts = append(parts, "thread:"+r.ThreadID)
		onlyBase = false
	}
	if onlyBase {
		parts = append(parts, "main")
	}
	return strings.Join(parts, ":")
}

func isEmptyRouting(r domain.Routing) bool {
	return r.Channel == "" && r.AccountID == "" && r.GuildID == "" && r.TeamID == "" && r.Peer == nil && r.ThreadID == ""
}
