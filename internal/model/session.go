package model

import "time"

// SessionStatus represents the lifecycle status of a project session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// ProjectSession represents one logical builder session and the sandbox
// backing its preview application.
type ProjectSession struct {
	SessionID  string        `json:"sessionId"`
	SandboxID  string        `json:"sandboxId,omitempty"`
	SandboxURL string        `json:"sandboxUrl,omitempty"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// ConversationEntry is one persisted conversation history row.
type ConversationEntry struct {
	SessionID   string    `json:"sessionId"`
	MessageID   string    `json:"messageId,omitempty"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
