package hub

import (
	"sync"

	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// lifecycleFrame reports whether f must never be silently dropped.
// Overflow drops the oldest non-lifecycle frame to make room; if every
// queued frame is a lifecycle frame, an incoming non-lifecycle frame is
// itself dropped, and an incoming lifecycle frame is refused so the
// caller must close the connection with Backpressure.
func lifecycleFrame(f Frame) bool {
	switch f.Type {
	case TypeEventAgent, TypeRegistered, TypeError:
		return true
	default:
		return false
	}
}

// Mailbox is a per-node bounded outbound queue, drained by a WebSocket
// writer goroutine or by HTTP long-poll, whichever transport owns the
// node's connection.
type Mailbox struct {
	mu      sync.Mutex
	items   []Frame
	maxLen  int
	notifyC chan struct{}
	closed  bool
}

// NewMailbox constructs a Mailbox bounded to depth frames.
func NewMailbox(depth int) *Mailbox {
	if depth <= 0 {
		depth = 256
	}
	return &Mailbox{
		maxLen:  depth,
		notifyC: make(chan struct{}, 1),
	}
}

// Notify returns the channel a drain loop should select on; it receives
// a value (non-blocking, coalesced) whenever new frames are enqueued.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notifyC
}

// Enqueue appends f to the mailbox. Once full, it drops the oldest
// non-lifecycle frame to make room for f; if f itself is a lifecycle
// frame and no non-lifecycle frame can be evicted, Enqueue fails with
// gatewayerr.Backpressure and the caller must close the connection.
func (m *Mailbox) Enqueue(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return gatewayerr.New(gatewayerr.Invalid, "mailbox closed")
	}

	if len(m.items) >= m.maxLen {
		if !m.evictOldestNonLifecycleLocked() {
			if !lifecycleFrame(f) {
				// f is the only droppable frame, so it is the one dropped.
				return nil
			}
			return gatewayerr.New(gatewayerr.Backpressure, "mailbox full of lifecycle frames")
		}
	}
	m.items = append(m.items, f)
	m.signalLocked()
	return nil
}

func (m *Mailbox) evictOldestNonLifecycleLocked() bool {
	for i, f := range m.items {
		if !lifecycleFrame(f) {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Mailbox) signalLocked() {
	select {
	case m.notifyC <- struct{}{}:
	default:
	}
}

// PopAll removes and returns every currently queued frame, in order.
func (m *Mailbox) PopAll() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	out := m.items
	m.items = nil
	return out
}

// Len reports how many frames are currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close marks the mailbox closed; further Enqueue calls fail.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
