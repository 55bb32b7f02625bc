package domain

import "time"

// Session is durable conversational state for one (agent, logical thread).
type Session struct {
	ID                 string            `json:"id"`
	AgentID            string            `json:"agentId"`
	Name               string            `json:"name"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	MessageCount       int               `json:"messageCount"`
	LastMessagePreview string            `json:"lastMessagePreview,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// AttachmentKind identifies the media type of an Attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a piece of media carried by a Message. Either DataURL (for
// inline content) or Path (for blobbed, content-addressed content) is set.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	DataURL  string         `json:"dataUrl,omitempty"`
	Path     string         `json:"path,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Name     string         `json:"name,omitempty"`
	Size     int64          `json:"size,omitempty"`
}

// Message is a single turn in a Session's log.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Role        Role         `json:"role"`
	CreatedAt   time.Time    `json:"createdAt"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Hidden      bool         `json:"hidden,omitempty"`
}

// Preview truncates content to a short single-line summary suitable for
// Session.LastMessagePreview.
func (m *Message) Preview(maxLen int) string {
	s := m.Content
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "…"
	}
	return s
}
