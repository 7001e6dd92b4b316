// Package chat implements the stream orchestration engine: it opens a
// chat turn against the backend, applies the event stream to the
// conversation store as tokens arrive, parks mid-turn on the approval
// gate when the model wants to run a terminal command, executes the
// approved command, and chains a follow-up turn so the model can react
// to the command's output. Every suspension point observes cancellation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/api"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/protocol"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

// Backend is the slice of the API client the driver needs.
type Backend interface {
	StreamChat(ctx context.Context, request api.ChatRequest) (<-chan protocol.StreamEvent, <-chan error)
	GenerateTitle(ctx context.Context, message, model string) (string, error)
	ExecuteTerminal(ctx context.Context, command, workingDirectory string) (api.TerminalResult, error)
}

// Options are the per-turn request toggles.
type Options struct {
	Model        string
	ThinkingMode bool
	WebSearch    bool
	Terminal     bool
}

// ErrTurnInFlight is returned by Send while a turn is already running.
// Mutual exclusion is cooperative: the UI disables sends too.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// ErrNoConversation is returned by Send when no conversation is active.
var ErrNoConversation = errors.New("no active conversation")

// Image is an optional attachment to an outgoing message.
type Image struct {
	Base64    string
	MediaType string
}

// Driver runs turns for the active conversation. One turn at a time.
type Driver struct {
	backend Backend
	store   *store.Store
	state   *TurnState
	gate    *ApprovalGate

	mu          sync.Mutex
	active      bool
	cancel      context.CancelFunc // current stage's cancel (turn or follow-up)
	autoApprove bool

	notify func() // optional, called after observable state changes
}

// NewDriver wires a driver to its collaborators.
func NewDriver(backend Backend, st *store.Store) *Driver {
	return &Driver{
		backend: backend,
		store:   st,
		state:   NewTurnState(),
		gate:    NewApprovalGate(),
	}
}

// SetNotify registers a callback invoked after every observable state
// change (phase flags, pending approval, message content). Used by the
// TUI to trigger re-renders.
func (d *Driver) SetNotify(fn func()) {
	d.notify = fn
}

// SetAutoApprove sets the standing approval policy.
func (d *Driver) SetAutoApprove(v bool) {
	d.mu.Lock()
	d.autoApprove = v
	d.mu.Unlock()
}

// AutoApprove reports the standing approval policy.
func (d *Driver) AutoApprove() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.autoApprove
}

// State returns a snapshot of the turn state.
func (d *Driver) State() StateSnapshot {
	return d.state.Snapshot()
}

// Busy reports whether a turn is in flight.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// ResolveApproval supplies the user's decision for the pending command.
// No-op when nothing is pending.
func (d *Driver) ResolveApproval(decision Decision) {
	if decision == DecisionApproveAlways {
		d.SetAutoApprove(true)
	}
	d.gate.Resolve(decision)
}

// Cancel aborts the in-flight turn: the stream read unwinds, a pending
// approval auto-resolves as deny, and no follow-up turn starts.
// Idempotent; a no-op when nothing is running.
func (d *Driver) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		logging.Session("Turn cancelled by user")
		cancel()
	}
}

// Send runs one full turn for the active conversation: user message
// appended, title generated for a fresh conversation, stream drained,
// terminal commands gated and executed, follow-up turn chained when
// terminal output was produced. Blocks until the turn (and follow-up,
// if any) finishes; the TUI calls it from a background command.
func (d *Driver) Send(ctx context.Context, text string, image *Image, opts Options) error {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	d.active = true
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.active = false
		d.cancel = nil
		d.mu.Unlock()
		// Phases clear on every exit path, stale indicators never
		// outlive a turn.
		d.state.Reset()
		d.state.setPending(nil)
		d.changed()
	}()

	conv, ok := d.store.Active()
	if !ok {
		return ErrNoConversation
	}
	isFirst := len(conv.Messages) == 0
	history := historyFromMessages(conv.Messages)

	userMsg := store.Message{Role: store.RoleUser, Content: text}
	if image != nil {
		userMsg.ImageBase64 = image.Base64
		userMsg.ImageMediaType = image.MediaType
	}
	if _, err := d.store.AddMessage(conv.ID, userMsg); err != nil {
		return err
	}
	assistantID, err := d.store.AddMessage(conv.ID, store.Message{Role: store.RoleAssistant})
	if err != nil {
		return err
	}

	d.state.Reset()
	d.state.setStreaming(true)
	d.state.setThinking(true)
	d.changed()

	logging.Session("Turn start: conversation=%s first=%v model=%s", conv.ID, isFirst, opts.Model)

	// Title generation runs before the stream is opened so a fresh
	// conversation is titled before its first token arrives. Failure
	// is swallowed; the placeholder title stays.
	if isFirst {
		if title, err := d.backend.GenerateTitle(turnCtx, text, opts.Model); err != nil {
			logging.Get(logging.CategorySession).Warn("Title generation failed: %v", err)
		} else {
			d.store.SetTitle(conv.ID, title)
			d.changed()
		}
	}

	request := api.ChatRequest{
		ThreadID:       conv.ID,
		Messages:       history,
		NewMessage:     text,
		Model:          opts.Model,
		ThinkingMode:   opts.ThinkingMode,
		WebSearch:      opts.WebSearch,
		TerminalAccess: opts.Terminal,
	}
	if image != nil {
		request.ImageBase64 = image.Base64
		request.ImageMediaType = image.MediaType
	}

	turn := &turnRun{
		driver:      d,
		convID:      conv.ID,
		assistantID: assistantID,
		ledger:      &ledger{},
	}

	turn.drain(turnCtx, request, false)

	// Follow-up stage: only when terminal commands produced context and
	// the initial stream ended cleanly. A cancelled turn or one that just
	// surfaced an error notice does not chain a second request. The
	// follow-up gets its own cancellation token.
	if len(turn.terminalOutcomes) > 0 && !turn.errorNoticed && turnCtx.Err() == nil {
		followCtx, followCancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.cancel = followCancel
		d.mu.Unlock()
		defer followCancel()

		d.runFollowUp(followCtx, turn, request)
	}

	logging.Session("Turn end: conversation=%s toolCalls=%d", conv.ID, len(turn.ledger.calls))
	return nil
}

// runFollowUp issues the dependent second turn, seeded with the
// terminal outcomes as system-supplied context. The follow-up may only
// read the results back: search and terminal are disabled for it.
func (d *Driver) runFollowUp(ctx context.Context, turn *turnRun, request api.ChatRequest) {
	logging.Session("Follow-up turn: %d terminal outcomes", len(turn.terminalOutcomes))

	followUp := request
	followUp.Messages = append(append([]api.HistoryMessage(nil), request.Messages...), api.HistoryMessage{
		Role:    api.RoleSystem,
		Content: terminalContext(turn.terminalOutcomes),
	})
	followUp.WebSearch = false
	followUp.TerminalAccess = false

	d.state.clearPhases()
	d.state.setThinking(true)
	d.changed()

	turn.drain(ctx, followUp, true)
}

// changed pings the UI, if registered.
func (d *Driver) changed() {
	if d.notify != nil {
		d.notify()
	}
}

// historyFromMessages converts stored messages to wire history.
func historyFromMessages(messages []store.Message) []api.HistoryMessage {
	history := make([]api.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, api.HistoryMessage{
			Role:           string(m.Role),
			Content:        m.Content,
			ImageBase64:    m.ImageBase64,
			ImageMediaType: m.ImageMediaType,
		})
	}
	return history
}

// turnRun carries the mutable state of one Send call across its initial
// stream and optional follow-up.
type turnRun struct {
	driver      *Driver
	convID      string
	assistantID string
	ledger      *ledger

	terminalOutcomes []string
	errorNoticed     bool // at most one error notice per turn
}

// drain consumes one stream, applying each event in arrival order.
// Returns when the stream ends (done, exhaustion, error or cancel).
func (t *turnRun) drain(ctx context.Context, request api.ChatRequest, followUp bool) {
	d := t.driver

	// The stream gets its own cancel: a non-conforming backend may keep
	// sending frames after a turn-ending event, and the producer must be
	// unwound before the error channel can be read.
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	events, errc := d.backend.StreamChat(streamCtx, request)

	for event := range events {
		if done := t.apply(streamCtx, event, followUp); done {
			stop()
			break
		}
	}

	// A transport failure surfaces as one visible notice; cancellation
	// surfaces as nothing at all. The caller's ctx decides which: the
	// local stop above only ever fires after the turn already ended.
	if err := <-errc; err != nil && ctx.Err() == nil {
		logging.Get(logging.CategorySession).Error("Stream failed: %v", err)
		t.appendErrorNotice("connection to backend failed")
	}

	d.state.clearPhases()
	d.changed()
}

// apply executes one event against state, ledger and store. Returns
// true when the turn is over.
func (t *turnRun) apply(ctx context.Context, event protocol.StreamEvent, followUp bool) bool {
	d := t.driver
	logging.SessionDebug("Event: %s (%d bytes)", event.Type, len(event.Content))

	switch event.Type {
	case protocol.EventCompressing:
		d.state.setCompressing(true)

	case protocol.EventThinkingStart:
		d.state.setCompressing(false)
		d.state.setThinking(true)

	case protocol.EventToolStart:
		d.state.setThinking(false)
		info := protocol.ParseToolStart(event.Content)
		if info.Name == terminalToolName {
			// Terminal calls enter the ledger via terminal_pending.
			d.state.setExecuting(true)
		} else {
			d.state.setSearching(true)
			t.ledger.beginSearch(info)
		}

	case protocol.EventToolResult:
		t.ledger.completeSearch(protocol.ParseToolResult(event.Content))
		d.state.setSearching(false)
		d.state.setExecuting(false)
		d.pushLedger(t)

	case protocol.EventToolError:
		d.state.setSearching(false)
		d.state.setExecuting(false)

	case protocol.EventTerminalPending:
		d.state.setThinking(false)
		d.state.setSearching(false)
		if followUp {
			// The follow-up turn is issued with terminal access off;
			// a pending command there breaks the contract.
			t.appendErrorNotice("unexpected command request")
			d.changed()
			return true
		}
		pending := protocol.ParseTerminalPending(event.Content)
		if err := t.handleTerminalPending(ctx, pending); err != nil {
			t.appendErrorNotice(err.Error())
			d.changed()
			return true
		}

	case protocol.EventToken:
		d.state.clearPhases()
		d.store.AppendToken(t.convID, t.assistantID, event.Content)

	case protocol.EventMessageType:
		d.state.setCompressing(false)
		d.store.SetMessageType(t.convID, t.assistantID, store.MessageType(event.Content))

	case protocol.EventError:
		d.state.clearPhases()
		t.appendErrorNotice(event.Content)
		d.changed()
		return true

	case protocol.EventDone:
		d.changed()
		return true

	default:
		// title, thinking_end and unknown future events pass through.
		logging.SessionDebug("Ignoring event type %q", event.Type)
	}

	d.changed()
	return false
}

// handleTerminalPending gates, and on approval executes, one command.
// The follow-up contract forbids tool use, so a pending event there is
// a protocol violation. Events are applied sequentially, so the driver
// itself can never post a second request while one waits; the Post
// error guard keeps any other caller of the gate fatal rather than
// hanging.
func (t *turnRun) handleTerminalPending(ctx context.Context, pending protocol.TerminalPending) error {
	d := t.driver

	decision := DecisionApprove
	if !d.AutoApprove() {
		// Post registers the request before the UI hears about it, so a
		// decision can never arrive ahead of registration.
		decisionCh, err := d.gate.Post(pending.Command, pending.WorkingDirectory)
		if err != nil {
			return fmt.Errorf("protocol violation: %w", err)
		}
		d.state.setPending(&PendingApproval{
			Command:          pending.Command,
			WorkingDirectory: pending.WorkingDirectory,
		})
		d.changed()

		decision = d.gate.Wait(ctx, decisionCh)
		d.state.setPending(nil)
		d.changed()
		if decision == DecisionApproveAlways {
			d.SetAutoApprove(true)
			decision = DecisionApprove
		}
	} else {
		logging.Tools("Auto-approving command: %q", pending.Command)
	}

	// A deny during cancellation records nothing: the turn just ends.
	if ctx.Err() != nil {
		return nil
	}

	if decision == DecisionDeny {
		t.ledger.recordDenied(PendingApproval{
			Command:          pending.Command,
			WorkingDirectory: pending.WorkingDirectory,
		})
		t.terminalOutcomes = append(t.terminalOutcomes, formatDeniedOutcome(pending.Command))
		d.pushLedger(t)
		return nil
	}

	d.state.setExecuting(true)
	d.changed()

	result, err := d.backend.ExecuteTerminal(ctx, pending.Command, pending.WorkingDirectory)
	if err != nil && ctx.Err() != nil {
		return nil
	}

	d.state.setExecuting(false)
	t.ledger.recordTerminal(pending.Command, result, err)
	t.terminalOutcomes = append(t.terminalOutcomes, formatTerminalOutcome(pending.Command, result, err))
	d.pushLedger(t)
	return nil
}

// pushLedger snapshots the ledger onto the assistant message.
func (d *Driver) pushLedger(t *turnRun) {
	if calls := t.ledger.snapshot(); calls != nil {
		d.store.SetToolCalls(t.convID, t.assistantID, calls)
	}
}

// appendErrorNotice appends at most one visible error line per turn.
func (t *turnRun) appendErrorNotice(detail string) {
	if t.errorNoticed {
		return
	}
	t.errorNoticed = true
	t.driver.store.AppendToken(t.convID, t.assistantID, fmt.Sprintf("\n\n[Error: %s]", detail))
}
