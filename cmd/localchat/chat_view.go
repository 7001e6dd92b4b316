package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

// newViewport resizes while preserving scroll content.
func newViewport(width, height int, old viewport.Model) viewport.Model {
	if height < 1 {
		height = 1
	}
	vp := viewport.New(width, height)
	vp.SetContent("")
	vp.YPosition = old.YPosition
	return vp
}

const sidebarWidth = 30

// layout recomputes component sizes after a resize or sidebar toggle.
func (m *chatModel) layout() {
	if m.width == 0 {
		return
	}
	contentWidth := m.width
	if m.showSidebar {
		contentWidth -= sidebarWidth
	}
	// header + footer + textarea + phase line
	chromeHeight := 1 + 1 + m.textarea.Height() + 1
	m.viewport = newViewport(contentWidth, m.height-chromeHeight, m.viewport)
	m.textarea.SetWidth(contentWidth - 2)
	if m.ready {
		m.refreshViewport(true)
	}
}

// View renders the full frame.
func (m *chatModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderPhaseLine(),
		m.textarea.View(),
		m.renderFooter(),
	)

	if m.showSidebar {
		main = lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), main)
	}

	if pending := m.driver.State().Pending; pending != nil {
		dialog := m.renderApprovalDialog(pending.Command, pending.WorkingDirectory)
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, dialog)
	}

	return main
}

func (m *chatModel) renderHeader() string {
	title := store.DefaultTitle
	if conv, ok := m.store.Active(); ok {
		title = conv.Title
	}

	status := m.styles.Error.Render("● offline")
	if m.backendOnline {
		status = m.styles.Success.Render("● online")
	}

	left := m.styles.Header.Render(title)
	right := m.styles.Muted.Render(m.cfg.Chat.Model) + " " + status
	gap := m.contentWidth() - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// renderPhaseLine shows what the turn is doing right now.
func (m *chatModel) renderPhaseLine() string {
	state := m.driver.State()
	var phase string
	switch {
	case state.Compressing:
		phase = "Summarizing conversation..."
	case state.Executing:
		phase = "Running command..."
	case state.Searching:
		phase = "Searching the web..."
	case state.Thinking:
		phase = "Thinking..."
	case state.Streaming:
		phase = "Responding..."
	default:
		return ""
	}
	return " " + m.spinner.View() + m.styles.Phase.Render(phase)
}

func (m *chatModel) renderFooter() string {
	keys := "enter send · ctrl+s conversations · ctrl+n new · esc cancel · ctrl+c quit"
	if m.showSidebar {
		keys = "enter open · ctrl+d delete · ctrl+s close · j/k move"
	}
	footer := m.styles.Footer.Render(keys)
	if m.turnErr != nil {
		footer = m.styles.Error.Render(" " + m.turnErr.Error())
	}
	return footer
}

func (m *chatModel) renderSidebar() string {
	convs := m.store.Conversations()
	activeID := m.store.ActiveID()

	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Conversations"))
	b.WriteString("\n\n")
	for i, c := range convs {
		title := c.Title
		if w := lipgloss.Width(title); w > sidebarWidth-4 {
			title = string([]rune(title)[:sidebarWidth-5]) + "…"
		}
		line := "  " + title
		if i == m.sidebarIndex {
			line = "> " + title
		}
		if c.ID == activeID {
			b.WriteString(m.styles.ConversationActive.Render(line))
		} else {
			b.WriteString(m.styles.ConversationItem.Render(line))
		}
		b.WriteString("\n")
	}

	return m.styles.Sidebar.
		Width(sidebarWidth - 2).
		Height(m.height - 2).
		Render(b.String())
}

// renderApprovalDialog is the modal shown while a command waits for
// the user's decision.
func (m *chatModel) renderApprovalDialog(command, workingDirectory string) string {
	var b strings.Builder
	b.WriteString(m.styles.DialogTitle.Render("Run this command?"))
	b.WriteString("\n\n")
	b.WriteString(m.styles.DialogCommand.Render(command))
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("in " + workingDirectory))
	b.WriteString("\n\n")
	b.WriteString(m.styles.DialogKeys.Render("[y] run once   [a] always allow   [n] deny"))
	return m.styles.Dialog.Render(b.String())
}

// refreshViewport re-renders the conversation transcript.
func (m *chatModel) refreshViewport(gotoBottom bool) {
	if !m.ready {
		return
	}
	conv, ok := m.store.Active()
	if !ok {
		m.viewport.SetContent(m.styles.Muted.Render("No conversation. Press ctrl+n to start one."))
		return
	}

	var b strings.Builder
	for i, msg := range conv.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		m.renderMessage(&b, msg)
	}
	m.viewport.SetContent(b.String())
	if gotoBottom {
		m.viewport.GotoBottom()
	}
}

func (m *chatModel) renderMessage(b *strings.Builder, msg store.Message) {
	switch msg.Role {
	case store.RoleUser:
		b.WriteString(m.styles.UserLabel.Render("You"))
		if msg.ImageBase64 != "" {
			b.WriteString(m.styles.Muted.Render("  [image attached]"))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.UserMessage.Render(msg.Content))
		b.WriteString("\n")

	case store.RoleAssistant:
		label := "Assistant"
		if msg.Type == store.TypeSummaryRequest {
			label = "Assistant (summary)"
		}
		b.WriteString(m.styles.AssistantLabel.Render(label))
		b.WriteString("\n")
		for _, call := range msg.ToolCalls {
			m.renderToolCall(b, call)
		}
		if msg.Content != "" {
			rendered, err := m.renderer.Render(msg.Content)
			if err != nil {
				rendered = msg.Content
			}
			b.WriteString(strings.TrimRight(rendered, "\n"))
			b.WriteString("\n")
		}
	}
}

func (m *chatModel) renderToolCall(b *strings.Builder, call store.ToolCall) {
	switch {
	case call.Command != "":
		b.WriteString(m.styles.ToolCall.Render(fmt.Sprintf("⚙ %s", call.Command)))
		b.WriteString("\n")
		if call.Error != "" {
			b.WriteString(m.styles.ToolResult.Render("✗ " + call.Error))
		} else {
			outcome := fmt.Sprintf("✓ exit %d", call.ExitCode)
			if call.Truncated {
				outcome += " (output truncated)"
			}
			b.WriteString(m.styles.ToolResult.Render(outcome))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.styles.ToolCall.Render(fmt.Sprintf("🔍 %s: %s", call.Name, call.Query)))
		b.WriteString("\n")
		if call.Error != "" {
			b.WriteString(m.styles.ToolResult.Render("✗ " + call.Error))
			b.WriteString("\n")
		}
		for _, r := range call.Results {
			b.WriteString(m.styles.ToolResult.Render(fmt.Sprintf("%d. %s", r.Position, r.Title)))
			b.WriteString("\n")
		}
	}
}

func (m *chatModel) contentWidth() int {
	if m.showSidebar {
		return m.width - sidebarWidth
	}
	return m.width
}
