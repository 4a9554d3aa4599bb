package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

// InMemoryStore is a Store kept in process memory. It mirrors the ordering and
// parent semantics of the SQLite store.
type InMemoryStore struct {
	mu            sync.Mutex
	nextID        int64
	conversations map[string]conversation.Conversation
	messages      map[string][]conversation.Message
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string][]conversation.Message{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, ownerID, model, provider string) (conversation.Conversation, error) {
	if s == nil {
		return conversation.Conversation{}, errors.New("in-memory chat store: nil store")
	}
	now := time.Now()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(ownerID),
		Provider:  strings.TrimSpace(provider),
		Model:     strings.TrimSpace(model),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID string) (conversation.Conversation, bool, error) {
	if s == nil {
		return conversation.Conversation{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[strings.TrimSpace(conversationID)]
	return c, ok, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, ownerID string, limit int) ([]conversation.Conversation, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	ownerID = strings.TrimSpace(ownerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetMessages(_ context.Context, conversationID string, upTo int64) ([]conversation.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return nil, errors.New("in-memory chat store: conversationID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []conversation.Message{}
	for _, m := range s.messages[convID] {
		if upTo > 0 && m.ID > upTo {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, conversationID string, parentID *int64, role conversation.Role, content string) (conversation.Message, error) {
	if s == nil {
		return conversation.Message{}, errors.New("in-memory chat store: nil store")
	}
	convID := strings.TrimSpace(conversationID)
	if !role.Valid() {
		return conversation.Message{}, errors.Errorf("in-memory chat store: invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convID]
	if !ok {
		return conversation.Message{}, errors.Errorf("in-memory chat store: unknown conversation %q", convID)
	}
	existing := s.messages[convID]

	var parent *int64
	if parentID != nil {
		found := false
		for _, m := range existing {
			if m.ID == *parentID {
				found = true
				break
			}
		}
		if !found {
			return conversation.Message{}, errors.Errorf("in-memory chat store: parent %d is not part of conversation %q", *parentID, convID)
		}
		p := *parentID
		parent = &p
	} else if len(existing) > 0 {
		p := existing[len(existing)-1].ID
		parent = &p
	}

	s.nextID++
	now := time.Now()
	m := conversation.Message{
		ID:             s.nextID,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		ParentID:       parent,
	}
	s.messages[convID] = append(existing, m)
	c.UpdatedAt = now
	s.conversations[convID] = c
	return m, nil
}

func (s *InMemoryStore) GetTitle(_ context.Context, conversationID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[strings.TrimSpace(conversationID)]
	if !ok {
		return "", false, errors.Errorf("in-memory chat store: unknown conversation %q", conversationID)
	}
	if c.Title == nil || *c.Title == "" {
		return "", false, nil
	}
	return *c.Title, true, nil
}

func (s *InMemoryStore) SetTitle(_ context.Context, conversationID string, title string) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory chat store: nil store")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return false, errors.New("in-memory chat store: title is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	convID := strings.TrimSpace(conversationID)
	c, ok := s.conversations[convID]
	if !ok {
		return false, errors.Errorf("in-memory chat store: unknown conversation %q", conversationID)
	}
	if c.Title != nil && *c.Title != "" {
		return false, nil
	}
	c.Title = &title
	c.UpdatedAt = time.Now()
	s.conversations[convID] = c
	return true, nil
}
