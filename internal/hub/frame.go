// Package hub implements the Connection Hub: it accepts inbound
// WebSocket and HTTP long-poll-bridge connections, performs the
// connect handshake against the Auth component, and dispatches wire
// frames to the Node Registry, Broadcast Groups, Session Router,
// Request Scheduler, and Event Fanout.
package hub

import "encoding/json"

// Type is a wire frame's discriminator.
type Type string

const (
	// Client -> gateway.
	TypeConnect           Type = "connect"
	TypeRegister          Type = "register"
	TypeUnregister        Type = "unregister"
	TypeJoinGroup         Type = "join_group"
	TypeLeaveGroup        Type = "leave_group"
	TypeBroadcast         Type = "broadcast"
	TypeDirect            Type = "direct"
	TypePing              Type = "ping"
	TypeReqAgent          Type = "req:agent"
	TypeReqAgentCancel    Type = "req:agent:cancel"
	TypeSessionSubscribe  Type = "session_subscribe"
	TypeSessionUnsubscribe Type = "session_unsubscribe"

	// Gateway -> client.
	TypeRes        Type = "res"
	TypeRegistered Type = "registered"
	TypeAck        Type = "ack"
	TypeEventAgent Type = "event:agent"
	TypePong       Type = "pong"
	TypeError      Type = "error"
)

// Frame is the gateway's wire envelope. Common to every frame type; not
// every field is populated by every Type.
type Frame struct {
	Type         Type            `json:"type"`
	ID           string          `json:"id,omitempty"`
	NodeID       string          `json:"nodeId,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	TargetNodeID string          `json:"targetNodeId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	Auth         *AuthPayload    `json:"auth,omitempty"`
	Client       *ClientDescriptor `json:"client,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
}

// AuthPayload is the auth portion of a connect frame.
type AuthPayload struct {
	Token          string `json:"token,omitempty"`
	Password       string `json:"password,omitempty"`
	TailscaleIdent string `json:"tailscaleIdent,omitempty"`
}

// ClientDescriptor is the client-supplied portion of a connect frame.
type ClientDescriptor struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ReqAgentPayload is req:agent's payload shape.
type ReqAgentPayload struct {
	AgentID     string            `json:"agentId,omitempty"`
	Content     string            `json:"content,omitempty"`
	Attachments []AttachmentWire  `json:"attachments,omitempty"`
	Routing     *RoutingWire      `json:"routing,omitempty"`
	SessionKey  string            `json:"sessionKey,omitempty"`
	QueueIfBusy bool              `json:"queueIfBusy,omitempty"`
	// DeadlineMs is the client's requested deadline, in epoch milliseconds.
	// The Request's effective deadline is min(this, serverMaxRequestDuration).
	DeadlineMs int64 `json:"deadlineMs,omitempty"`
}

// AttachmentWire mirrors domain.Attachment on the wire.
type AttachmentWire struct {
	Kind     string `json:"kind"`
	DataURL  string `json:"dataUrl,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// RoutingWire mirrors domain.Routing on the wire.
type RoutingWire struct {
	Channel   string       `json:"channel,omitempty"`
	AccountID string       `json:"accountId,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	TeamID    string       `json:"teamId,omitempty"`
	Peer      *PeerWire    `json:"peer,omitempty"`
	ThreadID  string       `json:"threadId,omitempty"`
}

// PeerWire mirrors domain.PeerRef on the wire.
type PeerWire struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// CancelPayload is req:agent:cancel's payload shape.
type CancelPayload struct {
	RequestID string `json:"requestId"`
}

// SubscribePayload is session_subscribe / session_unsubscribe's payload.
type SubscribePayload struct {
	SessionID string `json:"sessionId"`
}

// JoinGroupPayload is join_group's payload.
type JoinGroupPayload struct {
	GroupID         string `json:"groupId"`
	Strategy        string `json:"strategy,omitempty"`
	CreateIfMissing *bool  `json:"createIfMissing,omitempty"`
}

// LeaveGroupPayload is leave_group's payload.
type LeaveGroupPayload struct {
	GroupID string `json:"groupId"`
}

// EventAgentPayload is event:agent's payload. Subtype is carried in Type:
// agent-start, request-queued, agent-stream, tool-start, tool-end,
// tool-error, agent-complete, agent-error.
type EventAgentPayload struct {
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	AgentID         string           `json:"agentId,omitempty"`
	SessionKey      string           `json:"sessionKey,omitempty"`
	SessionID       string           `json:"sessionId,omitempty"`
	MessageID       string           `json:"messageId,omitempty"`
	Chunk           string           `json:"chunk,omitempty"`
	IsDelta         bool             `json:"isDelta,omitempty"`
	EventKey        string           `json:"eventKey,omitempty"`
	StreamMessageID string           `json:"streamMessageId,omitempty"`
	ToolName        string           `json:"toolName,omitempty"`
	Content         string           `json:"content,omitempty"`
	Attachments     []AttachmentWire `json:"attachments,omitempty"`
	Code            string           `json:"code,omitempty"`
	Message         string           `json:"message,omitempty"`
}

// ErrorPayload is error frame's payload.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func boolPtr(b bool) *bool { return &b }
