// Package registry implements the Node Registry: a capacity-bounded
// directory of connected nodes, per-node sliding-window rate limiting,
// and heartbeat-driven eviction.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// EvictionCallback is invoked once per evicted node, after it has been
// removed from the registry, so callers can also drop it from groups,
// subscriptions, and the transport layer.
type EvictionCallback func(nodeID string)

// Registry holds all live nodes, bounded to maxNodes.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]*domain.Node
	maxNodes int

	limiter *RateLimiter

	pingInterval time.Duration
	pingTimeout  time.Duration
	onEvict      EvictionCallback
}

// Options configures a new Registry.
type Options struct {
	MaxNodes         int
	MessageWindow    time.Duration
	MessageRateLimit int
	PingInterval     time.Duration
	PingTimeout      time.Duration
	OnEvict          EvictionCallback
}

// New constructs a Registry. Call Run in a goroutine to start the
// heartbeat sweeper.
func New(opts Options) *Registry {
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 1000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 90 * time.Second
	}
	return &Registry{
		nodes:        make(map[string]*domain.Node),
		maxNodes:     opts.MaxNodes,
		limiter:      NewRateLimiter(opts.MessageRateLimit, opts.MessageWindow),
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		onEvict:      opts.OnEvict,
	}
}

// NewNodeID returns 16 random bytes rendered as lowercase hex.
func NewNodeID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Register adds a new node to the registry, failing with CapacityExceeded
// once maxNodes live nodes are already registered.
func (r *Registry) Register(node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) >= r.maxNodes {
		return gatewayerr.New(gatewayerr.CapacityExceeded, "node registry at capacity")
	}
	if node.Capabilities == nil {
		node.Capabilities = make(map[string]struct{})
	}
	if node.Groups == nil {
		node.Groups = make(map[string]struct{})
	}
	node.ConnectedAt = time.Now()
	node.LastHeartbeat = node.ConnectedAt
	r.nodes[node.ID] = node
	return nil
}

// SetOnEvict replaces the eviction callback. It exists so a Registry can
// be constructed before its callback (typically a method value on the
// not-yet-fully-wired Connection Hub) is available.
func (r *Registry) SetOnEvict(cb EvictionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = cb
}

// Unregister removes a node unconditionally. Idempotent.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()
}

// Get returns the live node for nodeID, or nil if it is not registered.
func (r *Registry) Get(nodeID string) *domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeID]
}

// Heartbeat records a ping from nodeID, updating LastHeartbeat. Reports
// false if the node is not registered.
func (r *Registry) Heartbeat(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	n.LastHeartbeat = time.Now()
	return true
}

// Snapshot returns a point-in-time copy of every live node.
func (r *Registry) Snapshot() []domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

// Count returns the number of currently registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// RecordMessage records one inbound message from nodeID against the
// sliding-window rate limiter.
func (r *Registry) RecordMessage(nodeID string) {
	r.limiter.Allow(nodeID)
	r.mu.Lock()
	if n, ok := r.nodes[nodeID]; ok {
		n.MessageCount++
	}
	r.mu.Unlock()
}

// IsRateLimited reports whether nodeID has exceeded messageRateLimit
// within the current sliding window, without consuming a slot.
func (r *Registry) IsRateLimited(nodeID string) bool {
	return r.limiter.Peek(nodeID)
}

// Run starts the heartbeat sweeper and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	slog.Info("node registry heartbeat sweeper started", "interval", r.pingInterval, "timeout", r.pingTimeout)

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			slog.Info("node registry heartbeat sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.pingTimeout)

	r.mu.Lock()
	var stale []string
	for id, n := range r.nodes {
		if n.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.nodes, id)
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	slog.Info("node registry evicted stale nodes", "count", len(stale))
	for _, id := range stale {
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
}
