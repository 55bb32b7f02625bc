package hub

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// streamTargets resolves the messageId each agent-stream event carries,
// so clients can coalesce token deltas. The first non-delta event for a
// given eventKey establishes a target; deltas without an explicit id
// continue the most recent target; an explicit streamMessageId maps to a
// deterministic id derived from the request id, stable for the whole
// request.
type streamTargets struct {
	requestID string
	byKey     map[string]string
	last      string
}

func newStreamTargets(requestID string) *streamTargets {
	return &streamTargets{requestID: requestID, byKey: make(map[string]string)}
}

// resolve returns the messageId to stamp on a text event and records it
// as the most recent target.
func (t *streamTargets) resolve(explicitID, eventKey, streamMessageID string, isDelta bool) string {
	var id string
	switch {
	case streamMessageID != "":
		id = derivedMessageID(t.requestID, streamMessageID)
	case explicitID != "":
		id = explicitID
	case isDelta && t.last != "":
		id = t.last
	case eventKey != "" && t.byKey[eventKey] != "":
		id = t.byKey[eventKey]
	default:
		id = uuid.New().String()
	}
	if eventKey != "" {
		t.byKey[eventKey] = id
	}
	t.last = id
	return id
}

// derivedMessageID hashes (requestID, streamMessageID) so the same
// streamMessageId always routes to the same target within one request,
// and never collides across requests.
func derivedMessageID(requestID, streamMessageID string) string {
	sum := sha256.Sum256([]byte(requestID + "\x00" + streamMessageID))
	return hex.EncodeToString(sum[:16])
}
