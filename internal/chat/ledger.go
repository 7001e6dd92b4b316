package chat

import (
	"fmt"
	"strings"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/api"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/protocol"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

// terminalToolName is the privileged tool requiring approval.
const terminalToolName = "terminal_execute"

// ledger accumulates the tool calls of one turn, in arrival order.
// Entries are created on tool_start/terminal_pending and completed by
// the matching result; once completed they are never touched again.
// Only the turn driver mutates it, from a single goroutine.
type ledger struct {
	calls []store.ToolCall
}

// beginSearch opens an entry for a search-style tool call.
func (l *ledger) beginSearch(info protocol.ToolStartInfo) {
	name := info.Name
	if name == "" {
		name = "web_search"
	}
	l.calls = append(l.calls, store.ToolCall{
		Name:  name,
		Query: info.Args.Query,
	})
}

// completeSearch attaches a tool_result payload to the newest open
// search entry.
func (l *ledger) completeSearch(result protocol.ToolResultPayload) {
	last := l.last()
	if last == nil || last.Command != "" {
		return
	}
	switch result.Status {
	case "success":
		last.Results = result.Results
	case "error":
		last.Error = result.Message
	}
}

// recordDenied appends a terminal entry for a command the user refused.
func (l *ledger) recordDenied(p PendingApproval) {
	l.calls = append(l.calls, store.ToolCall{
		Name:    terminalToolName,
		Command: p.Command,
		Error:   "denied by user",
	})
}

// recordTerminal appends a terminal entry from an execution result.
func (l *ledger) recordTerminal(command string, result api.TerminalResult, execErr error) {
	call := store.ToolCall{
		Name:    terminalToolName,
		Command: command,
	}
	switch {
	case execErr != nil:
		call.Error = execErr.Error()
	case result.Status != "success":
		call.Error = result.Message
		if call.Error == "" {
			call.Error = "command execution failed"
		}
	default:
		call.ExitCode = result.ExitCode
		call.Stdout = result.Stdout
		call.Stderr = result.Stderr
		call.Truncated = result.Truncated
	}
	l.calls = append(l.calls, call)
}

// last returns the newest entry, or nil.
func (l *ledger) last() *store.ToolCall {
	if len(l.calls) == 0 {
		return nil
	}
	return &l.calls[len(l.calls)-1]
}

// snapshot returns a copy suitable for attaching to a message.
func (l *ledger) snapshot() []store.ToolCall {
	if len(l.calls) == 0 {
		return nil
	}
	return append([]store.ToolCall(nil), l.calls...)
}

// terminalContext renders the accumulated terminal outcomes as the
// system-supplied context block for the follow-up turn.
func terminalContext(results []string) string {
	var sb strings.Builder
	sb.WriteString("The following terminal commands were executed at the user's request. ")
	sb.WriteString("Use their output to answer the user's question:\n\n")
	sb.WriteString(strings.Join(results, "\n\n"))
	return sb.String()
}

// formatTerminalOutcome renders one execution (or denial) for the
// follow-up context.
func formatTerminalOutcome(command string, result api.TerminalResult, execErr error) string {
	if execErr != nil {
		return fmt.Sprintf("[Command: %s]\nExecution failed: %v", command, execErr)
	}
	if result.Status != "success" {
		msg := result.Message
		if msg == "" {
			msg = "command execution failed"
		}
		return fmt.Sprintf("[Command: %s]\nExecution failed: %s", command, msg)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Command: %s]\nExit code: %d", command, result.ExitCode)
	if result.Stdout != "" {
		fmt.Fprintf(&sb, "\nStdout:\n%s", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&sb, "\nStderr:\n%s", result.Stderr)
	}
	if result.Truncated {
		sb.WriteString("\n(output truncated)")
	}
	return sb.String()
}

// formatDeniedOutcome renders a denial for the follow-up context.
func formatDeniedOutcome(command string) string {
	return fmt.Sprintf("[Command: %s]\nThe user denied permission to run this command.", command)
}
