package driftkit

import (
	"context"
	"sort"
	"sync"
)

// MessageType classifies a chat message.
type MessageType string

const (
	MessageUser    MessageType = "USER"
	MessageAI      MessageType = "AI"
	MessageContext MessageType = "CONTEXT"
	MessageSystem  MessageType = "SYSTEM"
)

// Property is a named value attached to a chat message. DataNameID
// references a historical property whose value should be inherited; the
// resolved value lands in Data.
type Property struct {
	Name        string `json:"name"`
	NameID      string `json:"nameId,omitempty"`
	Value       string `json:"value"`
	Type        string `json:"type,omitempty"`
	MultiSelect bool   `json:"multiSelect,omitempty"`
	DataNameID  string `json:"dataNameId,omitempty"`
	Data        string `json:"data,omitempty"`
}

// ChatRequest is a user-originated message driving a workflow.
type ChatRequest struct {
	ID                string     `json:"id"`
	ChatID            string     `json:"chatId"`
	WorkflowID        string     `json:"workflowId"`
	RequestSchemaName string     `json:"requestSchemaName,omitempty"`
	Language          string     `json:"language,omitempty"`
	Properties        []Property `json:"properties,omitempty"`
	Timestamp         int64      `json:"timestamp"`
}

// ChatResponse is a system-originated message: either a terminal answer, a
// continuation describing the next expected input, or an in-progress marker
// for async work.
type ChatResponse struct {
	ID              string     `json:"id"`
	ChatID          string     `json:"chatId"`
	Text            string     `json:"text,omitempty"`
	Properties      []Property `json:"properties,omitempty"`
	NextSchema      *SchemaRef `json:"nextSchema,omitempty"`
	Completed       bool       `json:"completed"`
	PercentComplete int        `json:"percentComplete"`
	MessageID       string     `json:"messageId,omitempty"`
	ErrorKind       ErrorKind  `json:"errorKind,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Timestamp       int64      `json:"timestamp"`
}

// ChatMessage is one entry of a chat's history: a request, a response, or a
// context note. Exactly one of Request and Response is set for USER and AI
// messages.
type ChatMessage struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Type      MessageType   `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Request   *ChatRequest  `json:"request,omitempty"`
	Response  *ChatResponse `json:"response,omitempty"`
	Text      string        `json:"text,omitempty"`
}

// properties returns the message's property list regardless of direction.
func (m ChatMessage) properties() []Property {
	switch {
	case m.Request != nil:
		return m.Request.Properties
	case m.Response != nil:
		return m.Response.Properties
	default:
		return nil
	}
}

// ChatMessageTask is a UI-friendly projection: one task per nameId-bearing
// property of a message, keeping the source response's next schema.
type ChatMessageTask struct {
	Name        string     `json:"name"`
	NameID      string     `json:"nameId"`
	Value       string     `json:"value"`
	Type        string     `json:"type,omitempty"`
	MultiSelect bool       `json:"multiSelect,omitempty"`
	NextSchema  *SchemaRef `json:"nextSchema,omitempty"`
}

// ChatSession is a long-lived conversation.
type ChatSession struct {
	ChatID          string `json:"chatId"`
	UserID          string `json:"userId"`
	Name            string `json:"name,omitempty"`
	Language        string `json:"language,omitempty"`
	SystemMessage   string `json:"systemMessage,omitempty"`
	MemoryLength    int    `json:"memoryLength,omitempty"`
	Archived        bool   `json:"archived"`
	LastMessageTime int64  `json:"lastMessageTime"`
	CreatedAt       int64  `json:"createdTime"`
}

// PageRequest selects a page of results. Page is zero-based.
type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

// normalize applies defaults.
func (p PageRequest) normalize() PageRequest {
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Page < 0 {
		p.Page = 0
	}
	return p
}

// Page is one page of results plus paging metadata.
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total"`
}

// pageOf slices items (already sorted) into the requested page.
func pageOf[T any](items []T, req PageRequest) Page[T] {
	req = req.normalize()
	total := len(items)
	start := req.Page * req.Size
	if start > total {
		start = total
	}
	end := start + req.Size
	if end > total {
		end = total
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return Page[T]{Items: out, Page: req.Page, Size: req.Size, Total: total}
}

// ChatStore persists sessions and message history. History is append-only
// with monotonically increasing timestamps per chat.
type ChatStore interface {
	SaveSession(ctx context.Context, s ChatSession) error
	GetSession(ctx context.Context, chatID string) (ChatSession, bool, error)
	// ListSessions returns a user's sessions ordered by lastMessageTime
	// descending, excluding archived ones unless includeArchived is set.
	ListSessions(ctx context.Context, userID string, req PageRequest, includeArchived bool) (Page[ChatSession], error)
	AppendMessage(ctx context.Context, m ChatMessage) error
	// Messages returns a chat's history newest first. Context messages are
	// omitted unless includeContext is set.
	Messages(ctx context.Context, chatID string, req PageRequest, includeContext bool) (Page[ChatMessage], error)
}

// InMemoryChatStore is a ChatStore for single-instance deployments and
// tests. Safe for concurrent use.
type InMemoryChatStore struct {
	mu       sync.RWMutex
	sessions map[string]ChatSession
	messages map[string][]ChatMessage // per chat, append order
}

var _ ChatStore = (*InMemoryChatStore)(nil)

// NewInMemoryChatStore creates an empty store.
func NewInMemoryChatStore() *InMemoryChatStore {
	return &InMemoryChatStore{
		sessions: make(map[string]ChatSession),
		messages: make(map[string][]ChatMessage),
	}
}

// SaveSession implements ChatStore.
func (s *InMemoryChatStore) SaveSession(_ context.Context, sess ChatSession) error {
	s.mu.Lock()
	s.sessions[sess.ChatID] = sess
	s.mu.Unlock()
	return nil
}

// GetSession implements ChatStore.
func (s *InMemoryChatStore) GetSession(_ context.Context, chatID string) (ChatSession, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	return sess, ok, nil
}

// ListSessions implements ChatStore.
func (s *InMemoryChatStore) ListSessions(_ context.Context, userID string, req PageRequest, includeArchived bool) (Page[ChatSession], error) {
	s.mu.RLock()
	var matched []ChatSession
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if sess.Archived && !includeArchived {
			continue
		}
		matched = append(matched, sess)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastMessageTime > matched[j].LastMessageTime
	})
	return pageOf(matched, req), nil
}

// AppendMessage implements ChatStore.
func (s *InMemoryChatStore) AppendMessage(_ context.Context, m ChatMessage) error {
	s.mu.Lock()
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	s.mu.Unlock()
	return nil
}

// Messages implements ChatStore.
func (s *InMemoryChatStore) Messages(_ context.Context, chatID string, req PageRequest, includeContext bool) (Page[ChatMessage], error) {
	s.mu.RLock()
	history := s.messages[chatID]
	var matched []ChatMessage
	for _, m := range history {
		if m.Type == MessageContext && !includeContext {
			continue
		}
		matched = append(matched, m)
	}
	s.mu.RUnlock()

	// Newest first.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})
	return pageOf(matched, req), nil
}
