package store

import (
	"time"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/protocol"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType classifies an assistant message, as reported by the
// backend's message_type event.
type MessageType string

const (
	TypeSimple            MessageType = "simple"
	TypeSummaryRequest    MessageType = "summary_request"
	TypeSystemInstruction MessageType = "system_instruction"
)

// ToolCall records one tool or terminal invocation attached to a
// message. Web searches populate Query/Results; terminal commands
// populate Command and the execution fields. Error is set when the
// call failed or was denied.
type ToolCall struct {
	Name    string                  `json:"name"`
	Query   string                  `json:"query,omitempty"`
	Results []protocol.SearchResult `json:"results,omitempty"`

	Command   string `json:"command,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	Error string `json:"error,omitempty"`
}

// Message is one entry in a conversation. Content grows append-only
// while the message streams; nothing else mutates it afterwards except
// the tool call snapshot and classification tag.
type Message struct {
	ID             string      `json:"id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type,omitempty"`
	ImageBase64    string      `json:"image_base64,omitempty"`
	ImageMediaType string      `json:"image_media_type,omitempty"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Conversation is an ordered, append-only sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
