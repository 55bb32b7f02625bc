package router

import (
	"testing"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/domain"
)

func TestDeriveSessionKeyDM(t *testing.T) {
	key := DeriveSessionKey("my-agent", domain.Routing{Peer: &domain.PeerRef{Kind: "dm", ID: "u1"}})
	if key != "agent:my-agent:main" {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestDeriveSessionKeyEmptyRouting(t *testing.T) {
	key := DeriveSessionKey("my-agent", domain.Routing{})
	if key != "agent:my-agent:main" {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestDeriveSessionKeyChannelOnly(t *testing.T) {
	key := DeriveSessionKey("my-agent", domain.Routing{Channel: "discord"})
	if key != "agent:my-agent:discord:main" {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestDeriveSessionKeyFullRouting(t *testing.T) {
	r := domain.Routing{
		Channel:   "discord",
		AccountID: "acct-1",
		Peer:      &domain.PeerRef{Kind: "channel", ID: "chan-9"},
		ThreadID:  "thread-5",
	}
	key := DeriveSessionKey("my-agent", r)
	want := "agent:my-agent:discord:account:acct-1:channel:chan-9:thread:thread-5"
	if key != want {
		t.Errorf("expected %q, got %q", want, key)
	}
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	r := domain.Routing{Channel: "slack", AccountID: "a1", Peer: &domain.PeerRef{Kind: "user", ID: "u2"}}
	k1 := DeriveSessionKey("agent-x", r)
	k2 := DeriveSessionKey("agent-x", r)
	if k1 != k2 {
		t.Errorf("expected deterministic key, got %q vs %q", k1, k2)
	}
}

func TestResolveExplicitAgentWins(t *testing.T) {
	cfg := &config.Config{DefaultAgent: "fallback-agent"}
	agent, key := Resolve(cfg, "explicit-agent", "", domain.Routing{})
	if agent != "explicit-agent" {
		t.Errorf("expected explicit agent to win, got %q", agent)
	}
	if key != "agent:explicit-agent:main" {
		t.Errorf("unexpected derived key: %q", key)
	}
}

func TestResolveBindingMatch(t *testing.T) {
	cfg := &config.Config{
		DefaultAgent: "fallback-agent",
		Agents: config.AgentsConfig{
			Bindings: []config.Binding{
				{Match: config.RoutingMatch{Channel: "discord"}, AgentID: "discord-agent"},
			},
		},
	}
	agent, _ := Resolve(cfg, "", "", domain.Routing{Channel: "discord"})
	if agent != "discord-agent" {
		t.Errorf("expected binding match, got %q", agent)
	}

	agent, _ = Resolve(cfg, "", "", domain.Routing{Channel: "slack"})
	if agent != "fallback-agent" {
		t.Errorf("expected fallback to defaultAgent, got %q", agent)
	}
}

func TestResolveFallsBackToFirstConfiguredAgent(t *testing.T) {
	cfg := &config.Config{Agents: config.AgentsConfig{List: []string{"only-agent", "second-agent"}}}
	agent, _ := Resolve(cfg, "", "", domain.Routing{})
	if agent != "only-agent" {
		t.Errorf("expected first configured agent, got %q", agent)
	}
}

func TestResolveExplicitSessionKeyWins(t *testing.T) {
	cfg := &config.Config{DefaultAgent: "a"}
	_, key := Resolve(cfg, "a", "custom-key", domain.Routing{Channel: "discord"})
	if key != "custom-key" {
		t.Errorf("expected explicit session key to win, got %q", key)
	}
}
