package store

import "context"

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt string
	UpdatedAt string
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Source is one web result cited by an assistant message. ID is its 1-based
// position in the research brief.
type Source struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Source  string `json:"source,omitempty"`
	Favicon string `json:"favicon,omitempty"`
	Date    string `json:"date,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	Attachments    []Attachment
	Sources        []Source
	WebSummary     string
	ResearchBrief  string
	Sequence       int64
	CreatedAt      string
}

// Store persists conversations and their messages. Lookups scoped by user
// return (nil, nil) when the conversation does not exist or belongs to
// someone else.
type Store interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID string, userID string, title string, updatedAt string) (bool, error)
	DeleteConversation(ctx context.Context, conversationID string, userID string) (bool, error)
	AddMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	ListMessagesPage(ctx context.Context, conversationID string, offset int, limit int) ([]Message, int64, error)
}
