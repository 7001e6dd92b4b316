package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/api"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/protocol"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockBackend scripts one event stream per StreamChat call and records
// every request it sees.
type mockBackend struct {
	mu       sync.Mutex
	scripts  [][]protocol.StreamEvent
	streamed int
	requests []api.ChatRequest

	title    string
	titleErr error

	execResult api.TerminalResult
	execErr    error
	executed   []string

	streamErr error // delivered on the error channel of the first stream
}

func (m *mockBackend) StreamChat(ctx context.Context, request api.ChatRequest) (<-chan protocol.StreamEvent, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, request)
	var script []protocol.StreamEvent
	if m.streamed < len(m.scripts) {
		script = m.scripts[m.streamed]
	}
	failThis := m.streamed == 0 && m.streamErr != nil
	m.streamed++
	m.mu.Unlock()

	events := make(chan protocol.StreamEvent)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errc)
		for _, event := range script {
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		if failThis {
			errc <- m.streamErr
		}
	}()
	return events, errc
}

func (m *mockBackend) GenerateTitle(ctx context.Context, message, model string) (string, error) {
	return m.title, m.titleErr
}

func (m *mockBackend) ExecuteTerminal(ctx context.Context, command, workingDirectory string) (api.TerminalResult, error) {
	m.mu.Lock()
	m.executed = append(m.executed, command)
	m.mu.Unlock()
	if m.execErr != nil {
		return api.TerminalResult{}, m.execErr
	}
	result := m.execResult
	result.Command = command
	return result, nil
}

func (m *mockBackend) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockBackend) request(i int) api.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func token(s string) protocol.StreamEvent {
	return protocol.StreamEvent{Type: protocol.EventToken, Content: s}
}

func done() protocol.StreamEvent {
	return protocol.StreamEvent{Type: protocol.EventDone}
}

func jsonContent(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func newTestDriver(backend Backend) (*Driver, *store.Store, string) {
	st := store.NewMemory()
	convID := st.CreateConversation()
	return NewDriver(backend, st), st, convID
}

// assistantContent returns the streamed assistant message.
func assistantContent(t *testing.T, st *store.Store, convID string) store.Message {
	t.Helper()
	conv, ok := st.Get(convID)
	if !ok {
		t.Fatal("conversation vanished")
	}
	if len(conv.Messages) < 2 {
		t.Fatalf("got %d messages, want at least 2", len(conv.Messages))
	}
	return conv.Messages[len(conv.Messages)-1]
}

func TestSendPlainTurn(t *testing.T) {
	backend := &mockBackend{
		title:   "Greeting",
		scripts: [][]protocol.StreamEvent{{token("Hello"), token(" there"), done()}},
	}
	driver, st, convID := newTestDriver(backend)

	if err := driver.Send(context.Background(), "hi", nil, Options{Model: "m"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := assistantContent(t, st, convID)
	if msg.Content != "Hello there" {
		t.Errorf("assistant content = %q", msg.Content)
	}

	conv, _ := st.Get(convID)
	if conv.Title != "Greeting" {
		t.Errorf("title = %q, want generated title", conv.Title)
	}

	// No terminal context means no follow-up turn.
	if n := backend.requestCount(); n != 1 {
		t.Errorf("stream requests = %d, want 1", n)
	}
	if !driver.State().Idle() {
		t.Error("state not idle after turn")
	}
}

func TestSendTitleFailureKeepsPlaceholder(t *testing.T) {
	backend := &mockBackend{
		titleErr: errors.New("backend busy"),
		scripts:  [][]protocol.StreamEvent{{token("x"), done()}},
	}
	driver, st, convID := newTestDriver(backend)

	if err := driver.Send(context.Background(), "hi", nil, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conv, _ := st.Get(convID)
	if conv.Title != store.DefaultTitle {
		t.Errorf("title = %q, want placeholder kept", conv.Title)
	}
	if msg := assistantContent(t, st, convID); msg.Content != "x" {
		t.Errorf("title failure disturbed the stream: %q", msg.Content)
	}
}

func TestSendSearchToolCall(t *testing.T) {
	start := jsonContent(t, map[string]interface{}{
		"name": "web_search",
		"args": map[string]string{"query": "go contexts"},
	})
	result := jsonContent(t, protocol.ToolResultPayload{
		Status:  "success",
		Query:   "go contexts",
		Results: []protocol.SearchResult{{Position: 1, Title: "Go blog", URL: "http://u"}},
	})
	backend := &mockBackend{
		title: "t",
		scripts: [][]protocol.StreamEvent{{
			{Type: protocol.EventThinkingStart},
			{Type: protocol.EventToolStart, Content: start},
			{Type: protocol.EventToolResult, Content: result},
			token("answer"),
			done(),
		}},
	}
	driver, st, convID := newTestDriver(backend)

	if err := driver.Send(context.Background(), "search", nil, Options{WebSearch: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := assistantContent(t, st, convID)
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	call := msg.ToolCalls[0]
	if call.Name != "web_search" || call.Query != "go contexts" {
		t.Errorf("unexpected call: %+v", call)
	}
	if len(call.Results) != 1 || call.Results[0].Title != "Go blog" {
		t.Errorf("unexpected results: %+v", call.Results)
	}
}

// resolveWhenPending waits for the approval dialog and answers it.
func resolveWhenPending(t *testing.T, driver *Driver, decision Decision) chan struct{} {
	t.Helper()
	resolved := make(chan struct{})
	go func() {
		defer close(resolved)
		deadline := time.After(5 * time.Second)
		for {
			if driver.State().Pending != nil {
				driver.ResolveApproval(decision)
				return
			}
			select {
			case <-deadline:
				t.Error("approval never became pending")
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()
	return resolved
}

func TestSendTerminalApproved(t *testing.T) {
	pending := jsonContent(t, protocol.TerminalPending{Command: "ls -la", WorkingDirectory: "/tmp"})
	backend := &mockBackend{
		title:      "t",
		execResult: api.TerminalResult{Status: "success", ExitCode: 0, Stdout: "file.txt"},
		scripts: [][]protocol.StreamEvent{
			{{Type: protocol.EventTerminalPending, Content: pending}, done()},
			{token("I see file.txt"), done()},
		},
	}
	driver, st, convID := newTestDriver(backend)

	resolved := resolveWhenPending(t, driver, DecisionApprove)
	if err := driver.Send(context.Background(), "list files", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-resolved

	if len(backend.executed) != 1 || backend.executed[0] != "ls -la" {
		t.Fatalf("executed = %v", backend.executed)
	}

	// The follow-up turn carries the output as a system message and may
	// not use tools itself.
	if n := backend.requestCount(); n != 2 {
		t.Fatalf("stream requests = %d, want 2", n)
	}
	followUp := backend.request(1)
	if followUp.WebSearch || followUp.TerminalAccess {
		t.Error("follow-up turn has tools enabled")
	}
	if followUp.NewMessage != "list files" {
		t.Errorf("follow-up new message = %q", followUp.NewMessage)
	}
	last := followUp.Messages[len(followUp.Messages)-1]
	if last.Role != api.RoleSystem {
		t.Fatalf("last follow-up message role = %q, want system", last.Role)
	}
	if !strings.Contains(last.Content, "[Command: ls -la]") || !strings.Contains(last.Content, "file.txt") {
		t.Errorf("terminal context missing output: %q", last.Content)
	}

	// Follow-up tokens land in the same assistant message.
	msg := assistantContent(t, st, convID)
	if msg.Content != "I see file.txt" {
		t.Errorf("assistant content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Command != "ls -la" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
}

func TestSendTerminalDenied(t *testing.T) {
	pending := jsonContent(t, protocol.TerminalPending{Command: "rm -rf /", WorkingDirectory: "/"})
	backend := &mockBackend{
		title: "t",
		scripts: [][]protocol.StreamEvent{
			{{Type: protocol.EventTerminalPending, Content: pending}, done()},
			{token("Understood."), done()},
		},
	}
	driver, st, convID := newTestDriver(backend)

	resolved := resolveWhenPending(t, driver, DecisionDeny)
	if err := driver.Send(context.Background(), "wipe it", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-resolved

	if len(backend.executed) != 0 {
		t.Fatalf("denied command was executed: %v", backend.executed)
	}

	// The denial still produces a follow-up so the model learns it.
	if n := backend.requestCount(); n != 2 {
		t.Fatalf("stream requests = %d, want 2", n)
	}
	last := backend.request(1).Messages[len(backend.request(1).Messages)-1]
	if !strings.Contains(last.Content, "denied permission") {
		t.Errorf("denied context missing: %q", last.Content)
	}

	msg := assistantContent(t, st, convID)
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Error != "denied by user" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
}

func TestSendApproveAlwaysSticks(t *testing.T) {
	pending := jsonContent(t, protocol.TerminalPending{Command: "uptime"})
	backend := &mockBackend{
		title:      "t",
		execResult: api.TerminalResult{Status: "success"},
		scripts: [][]protocol.StreamEvent{
			{{Type: protocol.EventTerminalPending, Content: pending}, done()},
			{done()},
		},
	}
	driver, _, _ := newTestDriver(backend)

	resolved := resolveWhenPending(t, driver, DecisionApproveAlways)
	if err := driver.Send(context.Background(), "q", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-resolved

	if !driver.AutoApprove() {
		t.Error("approve_always did not flip the standing policy")
	}
	if len(backend.executed) != 1 {
		t.Errorf("executed = %v", backend.executed)
	}

	// The next pending command runs without a dialog.
	backend.mu.Lock()
	backend.scripts = append(backend.scripts,
		[]protocol.StreamEvent{{Type: protocol.EventTerminalPending, Content: pending}, done()},
		[]protocol.StreamEvent{done()},
	)
	backend.mu.Unlock()

	if err := driver.Send(context.Background(), "again", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if len(backend.executed) != 2 {
		t.Errorf("auto-approved command did not run: %v", backend.executed)
	}
}

func TestCancelWhilePendingApproval(t *testing.T) {
	pending := jsonContent(t, protocol.TerminalPending{Command: "sleep 60"})
	backend := &mockBackend{
		title: "t",
		scripts: [][]protocol.StreamEvent{
			{{Type: protocol.EventTerminalPending, Content: pending}, done()},
		},
	}
	driver, st, convID := newTestDriver(backend)

	go func() {
		deadline := time.After(5 * time.Second)
		for driver.State().Pending == nil {
			select {
			case <-deadline:
				return
			case <-time.After(time.Millisecond):
			}
		}
		driver.Cancel()
	}()

	if err := driver.Send(context.Background(), "q", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(backend.executed) != 0 {
		t.Errorf("cancelled command executed: %v", backend.executed)
	}
	// Cancellation is silent and suppresses the follow-up.
	if n := backend.requestCount(); n != 1 {
		t.Errorf("stream requests = %d, want 1", n)
	}
	msg := assistantContent(t, st, convID)
	if strings.Contains(msg.Content, "[Error:") {
		t.Errorf("cancel produced an error notice: %q", msg.Content)
	}
	if !driver.State().Idle() {
		t.Error("state not idle after cancel")
	}
}

func TestSendErrorEvent(t *testing.T) {
	backend := &mockBackend{
		title: "t",
		scripts: [][]protocol.StreamEvent{{
			token("partial"),
			{Type: protocol.EventError, Content: "model crashed"},
		}},
	}
	driver, st, convID := newTestDriver(backend)

	if err := driver.Send(context.Background(), "q", nil, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := assistantContent(t, st, convID)
	if msg.Content != "partial\n\n[Error: model crashed]" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSendErrorEventWithTrailingFrames(t *testing.T) {
	// A conforming backend ends the stream after an error event; a
	// broken one may keep sending. The turn must still end on its own,
	// without the user cancelling, and the stale frames must not land.
	backend := &mockBackend{
		title: "t",
		scripts: [][]protocol.StreamEvent{{
			{Type: protocol.EventError, Content: "model crashed"},
			token("stale"),
			done(),
		}},
	}
	driver, st, convID := newTestDriver(backend)

	errs := make(chan error, 1)
	go func() {
		errs <- driver.Send(context.Background(), "q", nil, Options{})
	}()

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after the error event")
	}

	msg := assistantContent(t, st, convID)
	if msg.Content != "\n\n[Error: model crashed]" {
		t.Errorf("content = %q", msg.Content)
	}
	if !driver.State().Idle() {
		t.Error("state not idle after turn")
	}
}

func TestSendErrorAfterTerminalSkipsFollowUp(t *testing.T) {
	pending := jsonContent(t, protocol.TerminalPending{Command: "ls"})
	backend := &mockBackend{
		title:      "t",
		execResult: api.TerminalResult{Status: "success", ExitCode: 0, Stdout: "file.txt"},
		scripts: [][]protocol.StreamEvent{{
			{Type: protocol.EventTerminalPending, Content: pending},
			{Type: protocol.EventError, Content: "model crashed"},
		}},
	}
	driver, st, convID := newTestDriver(backend)
	driver.SetAutoApprove(true)

	if err := driver.Send(context.Background(), "q", nil, Options{Terminal: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(backend.executed) != 1 {
		t.Fatalf("executed = %v", backend.executed)
	}
	// A turn that just surfaced an error does not chain a follow-up
	// onto it, even though the command produced output.
	if n := backend.requestCount(); n != 1 {
		t.Errorf("stream requests = %d, want 1", n)
	}
	msg := assistantContent(t, st, convID)
	if !strings.Contains(msg.Content, "[Error: model crashed]") {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Command != "ls" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
}

func TestSendTransportFailure(t *testing.T) {
	backend := &mockBackend{
		title:     "t",
		streamErr: errors.New("connection refused"),
		scripts:   [][]protocol.StreamEvent{{token("par")}},
	}
	driver, st, convID := newTestDriver(backend)

	if err := driver.Send(context.Background(), "q", nil, Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := assistantContent(t, st, convID)
	if !strings.Contains(msg.Content, "[Error: connection to backend failed]") {
		t.Errorf("content = %q", msg.Content)
	}
	if strings.Count(msg.Content, "[Error:") != 1 {
		t.Errorf("more than one error notice: %q", msg.Content)
	}
}

func TestSendRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	backend := &blockingBackend{release: release}
	driver, _, _ := newTestDriver(backend)

	errs := make(chan error, 1)
	go func() {
		errs <- driver.Send(context.Background(), "first", nil, Options{})
	}()

	// Wait for the first turn to occupy the driver.
	deadline := time.After(5 * time.Second)
	for !driver.Busy() {
		select {
		case <-deadline:
			t.Fatal("first turn never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := driver.Send(context.Background(), "second", nil, Options{}); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("concurrent Send = %v, want ErrTurnInFlight", err)
	}

	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("first Send: %v", err)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	driver := NewDriver(&mockBackend{}, store.NewMemory())
	if err := driver.Send(context.Background(), "q", nil, Options{}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Send = %v, want ErrNoConversation", err)
	}
}

// blockingBackend parks the stream until released.
type blockingBackend struct {
	release chan struct{}
}

func (b *blockingBackend) StreamChat(ctx context.Context, request api.ChatRequest) (<-chan protocol.StreamEvent, <-chan error) {
	events := make(chan protocol.StreamEvent)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errc)
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}()
	return events, errc
}

func (b *blockingBackend) GenerateTitle(ctx context.Context, message, model string) (string, error) {
	return "t", nil
}

func (b *blockingBackend) ExecuteTerminal(ctx context.Context, command, workingDirectory string) (api.TerminalResult, error) {
	return api.TerminalResult{}, errors.New("not expected")
}
