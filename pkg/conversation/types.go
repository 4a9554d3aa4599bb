package conversation

import (
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message is a persisted node of the conversation tree. ParentID is nil only
// for the first message of a conversation.
type Message struct {
	ID             int64     `json:"id" yaml:"id"`
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`
	Role           Role      `json:"role" yaml:"role"`
	Content        string    `json:"content" yaml:"content"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	ParentID       *int64    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	OwnerID   string    `json:"owner_id" yaml:"owner_id"`
	Title     *string   `json:"title,omitempty" yaml:"title,omitempty"`
	Provider  string    `json:"provider" yaml:"provider"`
	Model     string    `json:"model" yaml:"model"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ChatMessage is the role/content pair submitted to a provider.
type ChatMessage struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func NewChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{Role: role, Content: content}
}

// Checkpoint identifies where the next message attaches.
type Checkpoint struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

func (c Checkpoint) IsNew() bool {
	return c.ConversationID == ""
}
