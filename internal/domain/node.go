// Package domain contains the core entities of the Wingman Gateway: nodes,
// groups, sessions, messages, requests, and subscriptions.
package domain

import "time"

// Node is a connected client participant in the gateway.
type Node struct {
	ID            string
	Name          string
	Capabilities  map[string]struct{}
	Groups        map[string]struct{}
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	MessageCount  int64
	SessionID     string
	AgentName     string
	RemoteAddr    string
}

// HasCapability reports whether the node advertised the given capability.
func (n *Node) HasCapability(cap string) bool {
	_, ok := n.Capabilities[cap]
	return ok
}

// InGroup reports whether the node is a current member of groupID.
func (n *Node) InGroup(groupID string) bool {
	_, ok := n.Groups[groupID]
	return ok
}

// Snapshot is an immutable view of a Node safe to hand to callers outside
// the registry's lock.
type Snapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	Groups        []string  `json:"groups"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	MessageCount  int64     `json:"messageCount"`
	SessionID     string    `json:"sessionId,omitempty"`
	AgentName     string    `json:"agentName,omitempty"`
}

// Snapshot copies n's state into a value safe to serialize or retain.
func (n *Node) Snapshot() Snapshot {
	caps := make([]string, 0, len(n.Capabilities))
	for c := range n.Capabilities {
		caps = append(caps, c)
	}
	groups := make([]string, 0, len(n.Groups))
	for g := range n.Groups {
		groups = append(groups, g)
	}
	return Snapshot{
		ID:            n.ID,
		Name:          n.Name,
		Capabilities:  caps,
		Groups:        groups,
		ConnectedAt:   n.ConnectedAt,
		LastHeartbeat: n.LastHeartbeat,
		MessageCount:  n.MessageCount,
		SessionID:     n.SessionID,
		AgentName:     n.AgentName,
	}
}
