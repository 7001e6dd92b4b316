// Package protocol defines the wire protocol spoken by the chat backend:
// a line-delimited SSE-style stream of JSON events, plus the structured
// payloads carried inside tool and terminal events.
package protocol

import "encoding/json"

// EventType discriminates stream events.
type EventType string

const (
	EventToken           EventType = "token"
	EventTitle           EventType = "title"
	EventMessageType     EventType = "message_type"
	EventThinkingStart   EventType = "thinking_start"
	EventThinkingEnd     EventType = "thinking_end"
	EventToolStart       EventType = "tool_start"
	EventToolResult      EventType = "tool_result"
	EventToolError       EventType = "tool_error"
	EventTerminalPending EventType = "terminal_pending"
	EventCompressing     EventType = "compressing"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// StreamEvent is one decoded frame from the chat stream.
// Content is an opaque string: plain text for token/error events,
// JSON for structured ones.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// ToolStartInfo is the payload of a tool_start event.
type ToolStartInfo struct {
	Name string `json:"name"`
	Args struct {
		Query string `json:"query"`
	} `json:"args"`
}

// SearchResult is one web search hit inside a tool_result payload.
type SearchResult struct {
	Position int    `json:"position"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
}

// ToolResultPayload is the payload of a tool_result event.
type ToolResultPayload struct {
	Status  string         `json:"status"` // success, no_results, error
	Query   string         `json:"query,omitempty"`
	Results []SearchResult `json:"results,omitempty"`
	Message string         `json:"message,omitempty"`
}

// TerminalPending is the payload of a terminal_pending event: a command
// the model wants to run, parked until the user approves it.
type TerminalPending struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
}

// ParseToolStart decodes a tool_start payload.
// A malformed payload degrades to the zero value, not an error.
func ParseToolStart(content string) ToolStartInfo {
	var info ToolStartInfo
	_ = json.Unmarshal([]byte(content), &info)
	return info
}

// ParseToolResult decodes a tool_result payload.
func ParseToolResult(content string) ToolResultPayload {
	var result ToolResultPayload
	_ = json.Unmarshal([]byte(content), &result)
	return result
}

// ParseTerminalPending decodes a terminal_pending payload.
// The working directory defaults to "." when absent.
func ParseTerminalPending(content string) TerminalPending {
	pending := TerminalPending{WorkingDirectory: "."}
	if err := json.Unmarshal([]byte(content), &pending); err != nil {
		return TerminalPending{WorkingDirectory: "."}
	}
	if pending.WorkingDirectory == "" {
		pending.WorkingDirectory = "."
	}
	return pending
}
