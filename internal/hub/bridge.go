package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// HandleBridgeSend implements POST /bridge/send: the HTTP long-poll
// bridge's half of the Connection Hub, semantically equivalent to
// writing a frame to a WebSocket connection. The first frame a bridge
// node sends must be connect; the gateway mints a node id and registers
// a bridge-backed nodeConn with no WebSocket attached, for HandleBridgePoll
// to drain.
func (h *Hub) HandleBridgeSend(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, int64(h.maxFrameBytes()))
	var f Frame
	if err := json.NewDecoder(body).Decode(&f); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorPayload{Code: string(gatewayerr.FrameTooLarge), Message: "frame too large or malformed"})
		return
	}

	if f.Type == TypeConnect {
		node, err := h.authenticateConnect(f, r.RemoteAddr)
		if err != nil {
			ge := gatewayerr.As(err)
			writeJSON(w, ge.HTTPStatus(), ge.ToFrame())
			return
		}
		_, cancel := context.WithCancel(context.Background())
		c := &nodeConn{nodeID: node.ID, kind: transportBridge, mailbox: NewMailbox(h.Cfg.Gateway.MailboxDepth), cancel: cancel}
		h.mu.Lock()
		h.conns[node.ID] = c
		h.mu.Unlock()
		writeJSON(w, http.StatusOK, Frame{Type: TypeRes, ID: f.ID, ClientID: node.ID, OK: boolPtr(true), Timestamp: time.Now().UnixMilli()})
		return
	}

	nodeID := r.Header.Get("X-Node-ID")
	if nodeID == "" || h.Registry.Get(nodeID) == nil {
		writeJSON(w, http.StatusUnauthorized, ErrorPayload{Code: string(gatewayerr.Unauthorized), Message: "unknown or missing X-Node-ID"})
		return
	}

	if f.Type == TypeReqAgent && h.Registry.IsRateLimited(nodeID) {
		writeJSON(w, http.StatusTooManyRequests, ErrorPayload{Code: string(gatewayerr.RateLimited), Message: "message rate limit exceeded"})
		return
	}
	h.messagesProcessed.Add(1)
	h.dispatch(r.Context(), nodeID, f)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// HandleBridgePoll implements GET /bridge/poll: it holds the request
// open until either a frame is queued for the node or pollTimeoutMs
// elapses, then returns the ordered backlog (possibly empty).
func (h *Hub) HandleBridgePoll(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get("X-Node-ID")
	if nodeID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorPayload{Code: string(gatewayerr.Unauthorized), Message: "missing X-Node-ID"})
		return
	}

	h.mu.Lock()
	c, ok := h.conns[nodeID]
	h.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Code: string(gatewayerr.NotFound), Message: "node not connected"})
		return
	}

	timeout := h.Cfg.Gateway.PollTimeoutMs.Duration()
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	select {
	case <-c.mailbox.Notify():
	case <-ctx.Done():
	}

	frames := c.mailbox.PopAll()
	if frames == nil {
		frames = []Frame{}
	}
	writeJSON(w, http.StatusOK, frames)
}
