package domain

import "time"

// Strategy controls how a Group fans broadcasts out to its members.
type Strategy string

const (
	// StrategyParallel dispatches to every member concurrently; delivery
	// order between recipients is unspecified.
	StrategyParallel Strategy = "parallel"
	// StrategySequential delivers to members in join order, one at a time.
	StrategySequential Strategy = "sequential"
)

// Group is a named set of nodes that receive broadcasts together.
type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time
	CreatedBy string
	Strategy  Strategy
	// order preserves join order for StrategySequential fanout.
	order   []string
	members map[string]struct{}
}

// NewGroup constructs an empty group.
func NewGroup(id, name, createdBy string, strategy Strategy) *Group {
	if strategy == "" {
		strategy = StrategyParallel
	}
	return &Group{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
		CreatedBy: createdBy,
		Strategy:  strategy,
		members:   make(map[string]struct{}),
	}
}

// AddMember adds nodeID to the group if absent, preserving join order.
// Returns false if the node was already a member.
func (g *Group) AddMember(nodeID string) bool {
	if _, ok := g.members[nodeID]; ok {
		return false
	}
	g.members[nodeID] = struct{}{}
	g.order = append(g.order, nodeID)
	return true
}

// RemoveMember removes nodeID from the group. Removing the last member does
// not delete the group itself — that is an explicit admin operation.
func (g *Group) RemoveMember(nodeID string) {
	if _, ok := g.members[nodeID]; !ok {
		return
	}
	delete(g.members, nodeID)
	for i, id := range g.order {
		if id == nodeID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// HasMember reports whether nodeID is currently a member.
func (g *Group) HasMember(nodeID string) bool {
	_, ok := g.members[nodeID]
	return ok
}

// MemberCount returns the number of current members.
func (g *Group) MemberCount() int {
	return len(g.members)
}

// OrderedMembers returns members in join order (used by sequential fanout).
// The returned slice is a copy; callers must not mutate it.
func (g *Group) OrderedMembers() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
