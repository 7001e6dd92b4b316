package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/william-navarro/simple-local-chat-using-langgraph/cmd/localchat/ui"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/api"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/chat"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/config"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/health"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

// Messages flowing into Update.
type (
	// refreshMsg re-renders after the driver changed observable state.
	refreshMsg struct{}
	// turnDoneMsg reports the end of a Send call.
	turnDoneMsg struct{ err error }
	// healthMsg carries a backend poll result.
	healthMsg struct{ snapshot health.Snapshot }
)

// chatModel is the bubbletea model for the interactive interface.
type chatModel struct {
	// UI components
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	styles   ui.Styles
	renderer *glamour.TermRenderer

	// Collaborators
	cfg    *config.Config
	store  *store.Store
	driver *chat.Driver
	poller *health.Poller

	// Driver -> UI signal channels, drained by waitFor* commands.
	notifyCh chan struct{}
	healthCh chan health.Snapshot

	// Session state
	backendOnline bool
	models        []string
	showSidebar   bool
	sidebarIndex  int
	turnErr       error

	width  int
	height int
	ready  bool
}

// runInteractiveChat starts the interactive chat interface.
func runInteractiveChat() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(config.DefaultStateDir(), logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("Starting interactive chat, backend=%s", cfg.Backend.BaseURL)

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer st.Close()

	m, err := initChat(cfg, st)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.poller.Start(ctx)
	defer m.poller.Stop()

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	_, err = p.Run()
	return err
}

// initChat builds the chat model and wires the driver callbacks.
func initChat(cfg *config.Config, st *store.Store) (*chatModel, error) {
	client := api.NewClient(cfg.Backend.BaseURL,
		api.WithTimeout(cfg.GetTimeout()),
		api.WithReadTimeout(cfg.GetReadTimeout()),
	)

	driver := chat.NewDriver(client, st)
	driver.SetAutoApprove(cfg.Terminal.AutoApprove)

	theme := ui.ResolveTheme(cfg.UI.Theme)
	styles := ui.NewStyles(theme)

	glamourStyle := "light"
	if theme.IsDark {
		glamourStyle = "dark"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(glamourStyle),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Prompt = "> "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	m := &chatModel{
		textarea: ta,
		spinner:  sp,
		styles:   styles,
		renderer: renderer,
		cfg:      cfg,
		store:    st,
		driver:   driver,
		notifyCh: make(chan struct{}, 1),
		healthCh: make(chan health.Snapshot, 1),
	}

	// Coalescing send: a burst of token appends collapses into one
	// pending refresh instead of queueing per token.
	driver.SetNotify(func() {
		select {
		case m.notifyCh <- struct{}{}:
		default:
		}
	})

	m.poller = health.New(client, cfg.GetHealthInterval(), func(s health.Snapshot) {
		select {
		case m.healthCh <- s:
		default:
		}
	})

	if st.ActiveID() == "" {
		st.CreateConversation()
	}
	return m, nil
}

// Init starts the background listeners.
func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		tea.EnableBracketedPaste,
		m.waitForNotify(),
		m.waitForHealth(),
	)
}

// waitForNotify blocks until the driver signals a state change.
func (m *chatModel) waitForNotify() tea.Cmd {
	return func() tea.Msg {
		<-m.notifyCh
		return refreshMsg{}
	}
}

// waitForHealth blocks until the poller reports a change.
func (m *chatModel) waitForHealth() tea.Cmd {
	return func() tea.Msg {
		return healthMsg{snapshot: <-m.healthCh}
	}
}

// sendTurn runs one full turn on a background goroutine.
func (m *chatModel) sendTurn(text string) tea.Cmd {
	opts := chat.Options{
		Model:        m.cfg.Chat.Model,
		ThinkingMode: m.cfg.Chat.ThinkingMode,
		WebSearch:    m.cfg.Chat.WebSearch,
		Terminal:     m.cfg.Chat.Terminal,
	}
	return func() tea.Msg {
		err := m.driver.Send(context.Background(), text, nil, opts)
		return turnDoneMsg{err: err}
	}
}

// Update handles all incoming messages.
func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		model, cmd, handled := m.handleKey(msg)
		if handled {
			return model, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.ready = true
		m.refreshViewport(true)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshMsg:
		m.refreshViewport(true)
		return m, m.waitForNotify()

	case healthMsg:
		m.backendOnline = msg.snapshot.Online
		m.models = msg.snapshot.Models
		logging.UI("Backend health: online=%v", m.backendOnline)
		return m, m.waitForHealth()

	case turnDoneMsg:
		m.turnErr = msg.err
		if msg.err != nil && !errors.Is(msg.err, chat.ErrTurnInFlight) {
			logging.Get(logging.CategoryUI).Error("Turn failed: %v", msg.err)
		}
		m.refreshViewport(true)
		return m, nil
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey processes key input. Returns handled=false for keys that
// should fall through to the focused component.
func (m *chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	// The approval dialog swallows all input while visible.
	if pending := m.driver.State().Pending; pending != nil {
		switch msg.String() {
		case "y", "Y", "enter":
			m.driver.ResolveApproval(chat.DecisionApprove)
		case "a", "A":
			m.driver.ResolveApproval(chat.DecisionApproveAlways)
		case "n", "N", "esc":
			m.driver.ResolveApproval(chat.DecisionDeny)
		case "ctrl+c":
			m.driver.Cancel()
		}
		return m, nil, true
	}

	switch msg.String() {
	case "ctrl+c":
		if m.driver.Busy() {
			m.driver.Cancel()
			return m, nil, true
		}
		return m, tea.Quit, true

	case "esc":
		if m.driver.Busy() {
			m.driver.Cancel()
			return m, nil, true
		}
		if m.showSidebar {
			m.showSidebar = false
			m.layout()
			return m, nil, true
		}
		return m, nil, false

	case "enter":
		if m.showSidebar {
			m.selectConversation()
			return m, nil, true
		}
		text := strings.TrimSpace(m.textarea.Value())
		if text == "" || m.driver.Busy() {
			return m, nil, true
		}
		m.textarea.Reset()
		m.turnErr = nil
		return m, m.sendTurn(text), true

	case "ctrl+n":
		if m.driver.Busy() {
			return m, nil, true
		}
		m.store.CreateConversation()
		m.sidebarIndex = 0
		m.refreshViewport(true)
		return m, nil, true

	case "ctrl+s":
		m.showSidebar = !m.showSidebar
		m.sidebarIndex = m.activeIndex()
		m.layout()
		return m, nil, true

	case "up", "k":
		if m.showSidebar {
			if m.sidebarIndex > 0 {
				m.sidebarIndex--
			}
			return m, nil, true
		}
		return m, nil, false

	case "down", "j":
		if m.showSidebar {
			if m.sidebarIndex < len(m.store.Conversations())-1 {
				m.sidebarIndex++
			}
			return m, nil, true
		}
		return m, nil, false

	case "ctrl+d":
		if m.showSidebar && !m.driver.Busy() {
			m.deleteSelected()
			return m, nil, true
		}
		return m, nil, false
	}

	return m, nil, false
}

// selectConversation activates the sidebar selection.
func (m *chatModel) selectConversation() {
	convs := m.store.Conversations()
	if m.sidebarIndex < 0 || m.sidebarIndex >= len(convs) {
		return
	}
	if err := m.store.SetActive(convs[m.sidebarIndex].ID); err != nil {
		logging.Get(logging.CategoryUI).Warn("Failed to switch conversation: %v", err)
		return
	}
	m.showSidebar = false
	m.turnErr = nil
	m.layout()
	m.refreshViewport(true)
}

// deleteSelected removes the sidebar selection, keeping at least an
// empty conversation around.
func (m *chatModel) deleteSelected() {
	convs := m.store.Conversations()
	if m.sidebarIndex < 0 || m.sidebarIndex >= len(convs) {
		return
	}
	m.store.DeleteConversation(convs[m.sidebarIndex].ID)
	if m.store.ActiveID() == "" {
		m.store.CreateConversation()
	}
	if m.sidebarIndex > 0 {
		m.sidebarIndex--
	}
	m.refreshViewport(true)
}

// activeIndex finds the active conversation's sidebar position.
func (m *chatModel) activeIndex() int {
	active := m.store.ActiveID()
	for i, c := range m.store.Conversations() {
		if c.ID == active {
			return i
		}
	}
	return 0
}
