package chatstore

import (
	"context"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

// Store persists conversations and their message trees.
//
// Messages are immutable once appended. AppendMessage with a nil parent
// attaches to the most recent message of the conversation, or creates the
// root when the conversation is empty.
type Store interface {
	conversation.HistoryReader

	CreateConversation(ctx context.Context, ownerID, model, provider string) (conversation.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, bool, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Conversation, error)

	AppendMessage(ctx context.Context, conversationID string, parentID *int64, role conversation.Role, content string) (conversation.Message, error)

	GetTitle(ctx context.Context, conversationID string) (string, bool, error)
	// SetTitle writes the title only if none is set yet and reports whether it did.
	SetTitle(ctx context.Context, conversationID string, title string) (bool, error)

	Close() error
}
