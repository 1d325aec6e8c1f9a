package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quild-ai/quild/server/internal/store"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
}

func New() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]store.Conversation{},
		messages:      map[string][]store.Message{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conversation.ID] = conversation
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, conversationID string, userID string) (*store.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conversation, ok := m.conversations[conversationID]
	if !ok || conversation.UserID != userID {
		return nil, nil
	}
	return &conversation, nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Conversation, 0)
	for _, conversation := range m.conversations {
		if conversation.UserID == userID {
			results = append(results, conversation)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		left, right := parseTime(results[i].UpdatedAt), parseTime(results[j].UpdatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	return results, nil
}

func (m *MemoryStore) UpdateConversationTitle(ctx context.Context, conversationID string, userID string, title string, updatedAt string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok || conversation.UserID != userID {
		return false, nil
	}
	conversation.Title = title
	conversation.UpdatedAt = updatedAt
	m.conversations[conversationID] = conversation
	return true, nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, conversationID string, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok || conversation.UserID != userID {
		return false, nil
	}
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	return true, nil
}

// AddMessage appends msg and bumps the owning conversation's UpdatedAt.
func (m *MemoryStore) AddMessage(ctx context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], cloneMessage(msg))
	if conversation, ok := m.conversations[msg.ConversationID]; ok && msg.CreatedAt != "" {
		conversation.UpdatedAt = msg.CreatedAt
		m.conversations[msg.ConversationID] = conversation
	}
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(conversationID), nil
}

func (m *MemoryStore) ListMessagesPage(ctx context.Context, conversationID string, offset int, limit int) ([]store.Message, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedLocked(conversationID)
	total := int64(len(all))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []store.Message{}, total, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) sortedLocked(conversationID string) []store.Message {
	messages := m.messages[conversationID]
	results := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		results = append(results, cloneMessage(msg))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Sequence < results[j].Sequence
	})
	return results
}

func cloneMessage(msg store.Message) store.Message {
	cloned := msg
	cloned.Attachments = append([]store.Attachment(nil), msg.Attachments...)
	cloned.Sources = append([]store.Source(nil), msg.Sources...)
	return cloned
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
