package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// transportKind distinguishes a node's physical connection so Close and
// the mailbox-draining loop know how to tear it down.
type transportKind int

const (
	transportWebSocket transportKind = iota
	transportBridge
)

// nodeConn is everything the Hub owns for one connected Node: its
// outbound mailbox and, for WebSocket nodes, the socket and the
// goroutine draining the mailbox onto it.
type nodeConn struct {
	nodeID  string
	kind    transportKind
	mailbox *Mailbox
	ws      *websocket.Conn
	cancel  context.CancelFunc
}

// writeLoop drains c's mailbox onto its WebSocket connection until ctx
// is cancelled or a write fails. Used only for transportWebSocket nodes;
// bridge nodes are drained synchronously by HandleBridgePoll instead.
func (c *nodeConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mailbox.Notify():
		}

		for _, f := range c.mailbox.PopAll() {
			data, err := json.Marshal(f)
			if err != nil {
				slog.Warn("failed to marshal outbound frame", "node_id", c.nodeID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed, ending write loop", "node_id", c.nodeID, "error", err)
				return
			}
		}
	}
}
