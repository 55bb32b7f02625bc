// Package groups implements Broadcast Groups: lazily-created named sets of
// nodes that receive broadcasts via a parallel or sequential fanout
// strategy.
package groups

import (
	"sync"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// Sender delivers a single frame to a node; it is how the Connection Hub owns
// the transport while Groups only owns membership. The payload type is
// left to the caller (normally []byte or a wire frame value).
type Sender func(nodeID string, payload any) error

// Registry holds all broadcast groups, keyed by name.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*domain.Group
}

// New constructs an empty group registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*domain.Group)}
}

// JoinGroup adds nodeID to the named group, creating it with the given
// strategy if createIfMissing and it does not yet exist.
func (r *Registry) JoinGroup(name, nodeID, createdBy string, strategy domain.Strategy, createIfMissing bool) (*domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		if !createIfMissing {
			return nil, gatewayerr.New(gatewayerr.NotFound, "group not found: "+name)
		}
		g = domain.NewGroup(name, name, createdBy, strategy)
		r.groups[name] = g
	}
	g.AddMember(nodeID)
	return g, nil
}

// LeaveGroup removes nodeID from the named group. Removing the last
// member does not delete the group.
func (r *Registry) LeaveGroup(name, nodeID string) {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	g.RemoveMember(nodeID)
}

// LeaveAll removes nodeID from every group it belongs to, e.g. on
// disconnect or heartbeat eviction.
func (r *Registry) LeaveAll(nodeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		g.RemoveMember(nodeID)
	}
}

// Get returns the named group, or nil if it does not exist.
func (r *Registry) Get(name string) *domain.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[name]
}

// Count returns the number of currently registered groups.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Delete removes a group outright (an explicit admin operation; not
// triggered by membership reaching zero). Reports whether the group
// existed.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[name]
	delete(r.groups, name)
	return ok
}

// Info is a point-in-time summary of one group, for the admin API.
type Info struct {
	Name        string          `json:"name"`
	Strategy    domain.Strategy `json:"strategy"`
	MemberCount int             `json:"memberCount"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

// Snapshot summarizes every registered group.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.groups))
	for name, g := range r.groups {
		out = append(out, Info{Name: name, Strategy: g.Strategy, MemberCount: g.MemberCount(), CreatedBy: g.CreatedBy})
	}
	return out
}

// Broadcast delivers payload to every member of the named group except
// sender, using the group's configured fanout strategy. It returns the
// number of members the send was successfully enqueued to.
func (r *Registry) Broadcast(name, sender string, payload any, send Sender) (int, error) {
	g := r.Get(name)
	if g == nil {
		return 0, gatewayerr.New(gatewayerr.NotFound, "group not found: "+name)
	}

	members := g.OrderedMembers()
	switch g.Strategy {
	case domain.StrategySequential:
		return broadcastSequential(members, sender, payload, send), nil
	default:
		return broadcastParallel(members, sender, payload, send), nil
	}
}

func broadcastParallel(members []string, sender string, payload any, send Sender) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for _, id := range members {
		if id == sender {
			continue
		}
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			if err := send(nodeID, payload); err == nil {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return count
}

func broadcastSequential(members []string, sender string, payload any, send Sender) int {
	count := 0
	for _, id := range members {
		if id == sender {
			continue
		}
		if err := send(id, payload); err == nil {
			count++
		}
	}
	return count
}
