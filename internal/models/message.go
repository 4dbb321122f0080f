package models

import (
	"strings"
	"time"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Title returns the role name with its first letter upper-cased, as used in transcripts.
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// Message is one immutable entry of a conversation log.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
}

// Conversation groups an ordered message log under a stable identifier.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is one checkpoint of a conversation's compressed history.
type Summary struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"timestamp"`
}
