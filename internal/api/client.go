// Package api implements the HTTP client for the LangGraph chat backend.
//
// One endpoint streams (POST /chat/stream, SSE-style line frames); the
// rest are plain request/response JSON. The streaming call follows the
// channel-pair shape: one channel for events, one for a terminal error,
// both closed when the stream ends, with context cancellation honored at
// every send.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/protocol"
)

// Role values accepted by the backend.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// HistoryMessage is one prior message in a chat request.
type HistoryMessage struct {
	Role           string `json:"role"`
	Content        string `json:"content"`
	ImageBase64    string `json:"image_base64,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	ThreadID       string           `json:"thread_id"`
	Messages       []HistoryMessage `json:"messages"`
	NewMessage     string           `json:"new_message"`
	ImageBase64    string           `json:"image_base64,omitempty"`
	ImageMediaType string           `json:"image_media_type,omitempty"`
	Model          string           `json:"model"`
	ThinkingMode   bool             `json:"thinking_mode"`
	WebSearch      bool             `json:"web_search"`
	TerminalAccess bool             `json:"terminal_access"`
}

// TerminalResult is the response of POST /chat/terminal/execute.
// Output is capped server-side (observed at 5000 chars); Truncated is
// set when the cap was hit.
type TerminalResult struct {
	Status    string `json:"status"` // success, error
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
	Message   string `json:"message,omitempty"` // set on error status
}

// Client talks to the chat backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration // non-streaming requests
	readTimeout time.Duration // optional idle-read bound on streams, 0 = none
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the non-streaming request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReadTimeout bounds the gap between stream events. Zero disables
// the bound (the protocol itself has no timeout signal).
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout on the shared client: /chat/stream is
		// long-lived. Short-lived calls get per-request contexts.
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamChat opens a chat turn and decodes its event stream.
//
// The returned event channel carries every protocol event in arrival
// order and is closed when the stream ends (done event, EOF, transport
// error, or ctx cancellation). The error channel yields at most one
// error: a transport or decode failure. Cancellation does not produce
// an error; the event channel just closes.
func (c *Client) StreamChat(ctx context.Context, request ChatRequest) (<-chan protocol.StreamEvent, <-chan error) {
	events := make(chan protocol.StreamEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		start := time.Now()
		logging.API("StreamChat: thread=%s model=%s history=%d search=%v terminal=%v",
			request.ThreadID, request.Model, len(request.Messages), request.WebSearch, request.TerminalAccess)

		body, err := json.Marshal(request)
		if err != nil {
			errc <- fmt.Errorf("failed to marshal chat request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
		if err != nil {
			errc <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				logging.APIDebug("StreamChat: cancelled before response after %v", time.Since(start))
				return
			}
			errc <- fmt.Errorf("backend request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errc <- fmt.Errorf("backend error: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
			return
		}

		// Abort the body read when the caller cancels mid-stream; the
		// decoder goroutine then unblocks with a read error.
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-streamCtx.Done()
			resp.Body.Close()
		}()

		decoder := protocol.NewDecoder(resp.Body)
		count := 0
		for {
			event, err := c.nextEvent(decoder)
			if err != nil {
				if err == io.EOF {
					logging.API("StreamChat: stream ended after %d events in %v", count, time.Since(start))
					return
				}
				if ctx.Err() != nil {
					logging.APIDebug("StreamChat: cancelled after %d events in %v", count, time.Since(start))
					return
				}
				errc <- fmt.Errorf("stream read failed: %w", err)
				return
			}

			select {
			case events <- event:
				count++
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errc
}

// nextEvent pulls one event, optionally bounded by the idle-read timeout.
func (c *Client) nextEvent(decoder *protocol.Decoder) (protocol.StreamEvent, error) {
	if c.readTimeout <= 0 {
		return decoder.Next()
	}

	type result struct {
		event protocol.StreamEvent
		err   error
	}
	resultc := make(chan result, 1)
	go func() {
		event, err := decoder.Next()
		resultc <- result{event, err}
	}()

	select {
	case r := <-resultc:
		return r.event, r.err
	case <-time.After(c.readTimeout):
		return protocol.StreamEvent{}, fmt.Errorf("no event within %v", c.readTimeout)
	}
}

// GenerateTitle asks the backend for a short conversation title.
// Failures surface as errors; callers treat them as non-fatal.
func (c *Client) GenerateTitle(ctx context.Context, message, model string) (string, error) {
	body := map[string]string{"message": message, "model": model}

	var response struct {
		Title string `json:"title"`
	}
	if err := c.postJSON(ctx, "/chat/title", body, &response); err != nil {
		return "", err
	}
	return response.Title, nil
}

// ExecuteTerminal runs an approved command through the backend.
func (c *Client) ExecuteTerminal(ctx context.Context, command, workingDirectory string) (TerminalResult, error) {
	logging.Tools("ExecuteTerminal: %q in %q", command, workingDirectory)

	body := map[string]string{
		"command":           command,
		"working_directory": workingDirectory,
	}

	var result TerminalResult
	if err := c.postJSON(ctx, "/chat/terminal/execute", body, &result); err != nil {
		return TerminalResult{}, err
	}

	logging.Tools("ExecuteTerminal: status=%s exit=%d stdout=%d stderr=%d truncated=%v",
		result.Status, result.ExitCode, len(result.Stdout), len(result.Stderr), result.Truncated)
	return result, nil
}

// Status probes backend connectivity. Any failure reads as offline.
func (c *Client) Status(ctx context.Context) bool {
	var response struct {
		Online bool `json:"online"`
	}
	if err := c.getJSON(ctx, "/lmstudio/status", &response); err != nil {
		logging.HealthDebug("status probe failed: %v", err)
		return false
	}
	return response.Online
}

// Models lists available model identifiers. Failures read as empty.
func (c *Client) Models(ctx context.Context) []string {
	var response struct {
		Models []string `json:"models"`
	}
	if err := c.getJSON(ctx, "/lmstudio/models", &response); err != nil {
		logging.HealthDebug("model enumeration failed: %v", err)
		return nil
	}
	return response.Models
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
