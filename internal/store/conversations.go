package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// DefaultTitle is the placeholder title until the backend generates one.
const DefaultTitle = "New conversation"

// titleMaxLen caps sanitized conversation titles.
const titleMaxLen = 80

var (
	thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkOpenRe  = regexp.MustCompile(`(?is)<think>.*`)
	tagRe        = regexp.MustCompile(`<[^>]*>`)
)

// CreateConversation creates an empty conversation, makes it active and
// returns its ID.
func (s *Store) CreateConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	c := &Conversation{
		ID:        id,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[id] = c
	s.order = append([]string{id}, s.order...)
	s.activeID = id

	s.persistConversation(c)
	s.persistActive(id)

	logging.Store("Created conversation %s", id)
	return id
}

// DeleteConversation removes a conversation. If it was active, the next
// remaining conversation becomes active (or none).
func (s *Store) DeleteConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return
	}
	delete(s.convs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
		if len(s.order) > 0 {
			s.activeID = s.order[0]
		}
		s.persistActive(s.activeID)
	}
	s.deletePersisted(id)

	logging.Store("Deleted conversation %s", id)
}

// SetActive selects the active conversation.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("unknown conversation: %s", id)
	}
	s.activeID = id
	s.persistActive(id)
	return nil
}

// ActiveID returns the active conversation ID ("" if none).
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a snapshot of the active conversation.
func (s *Store) Active() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[s.activeID]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(c), true
}

// Get returns a snapshot of one conversation.
func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(c), true
}

// Conversations returns snapshots of all conversations, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyConversation(s.convs[id]))
	}
	return out
}

// AddMessage appends a message to a conversation and returns the
// message ID. Order of messages is arrival order, append-only.
func (s *Store) AddMessage(conversationID string, m Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return "", fmt.Errorf("unknown conversation: %s", conversationID)
	}

	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = m.CreatedAt

	s.persistConversation(c)
	s.persistMessage(c.ID, len(c.Messages)-1, &c.Messages[len(c.Messages)-1])

	logging.StoreDebug("Added %s message %s to %s", m.Role, m.ID, conversationID)
	return m.ID, nil
}

// AppendToken appends streamed text to a message's content. Content
// only ever grows; no other message is touched while one streams.
func (s *Store) AppendToken(conversationID, messageID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, m, pos := s.find(conversationID, messageID)
	if m == nil {
		return
	}
	m.Content += token
	c.UpdatedAt = time.Now()
	s.persistMessage(c.ID, pos, m)
}

// SetTitle sanitizes and stores a conversation title: leaked reasoning
// markup is stripped, only the first line is kept, and length is capped.
// An empty result keeps the previous title.
func (s *Store) SetTitle(conversationID, raw string) {
	clean := SanitizeTitle(raw)
	if clean == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	c.Title = clean
	s.persistConversation(c)

	logging.Store("Set title for %s: %q", conversationID, clean)
}

// SetMessageType tags a message with its backend classification.
func (s *Store) SetMessageType(conversationID, messageID string, t MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, m, pos := s.find(conversationID, messageID)
	if m == nil {
		return
	}
	m.Type = t
	s.persistMessage(c.ID, pos, m)
}

// SetToolCalls replaces a message's tool call snapshot.
func (s *Store) SetToolCalls(conversationID, messageID string, calls []ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, m, pos := s.find(conversationID, messageID)
	if m == nil {
		return
	}
	m.ToolCalls = append([]ToolCall(nil), calls...)
	s.persistMessage(c.ID, pos, m)
}

// SanitizeTitle strips reasoning markup and tags, keeps the first line
// and caps the result at 80 characters.
func SanitizeTitle(raw string) string {
	clean := thinkBlockRe.ReplaceAllString(raw, "")
	clean = thinkOpenRe.ReplaceAllString(clean, "")
	clean = tagRe.ReplaceAllString(clean, "")
	if i := strings.IndexByte(clean, '\n'); i >= 0 {
		clean = clean[:i]
	}
	clean = strings.TrimSpace(clean)
	if runes := []rune(clean); len(runes) > titleMaxLen {
		clean = string(runes[:titleMaxLen])
	}
	return clean
}

// find locates a message within a conversation. Callers hold s.mu.
func (s *Store) find(conversationID, messageID string) (*Conversation, *Message, int) {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, nil, 0
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return c, &c.Messages[i], i
		}
	}
	return nil, nil, 0
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i := range out.Messages {
		if len(out.Messages[i].ToolCalls) > 0 {
			out.Messages[i].ToolCalls = append([]ToolCall(nil), out.Messages[i].ToolCalls...)
		}
	}
	return out
}
