// Package ui provides the visual styling for the localchat terminal
// interface, with light/dark mode support.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Light Mode Colors (Default)
	LightBackground = lipgloss.Color("#f4f5f6")
	LightForeground = lipgloss.Color("#1a2536")
	LightPrimary    = lipgloss.Color("#2563eb") // Blue
	LightAccent     = lipgloss.Color("#7c3aed") // Violet
	LightSecondary  = lipgloss.Color("#e1e4e8")
	LightMuted      = lipgloss.Color("#8a919c")
	LightBorder     = lipgloss.Color("#dce0e5")
	LightCard       = lipgloss.Color("#ffffff")

	// Dark Mode Colors
	DarkBackground = lipgloss.Color("#141d2b")
	DarkForeground = lipgloss.Color("#f2f2f2")
	DarkPrimary    = lipgloss.Color("#60a5fa")
	DarkAccent     = lipgloss.Color("#a78bfa")
	DarkSecondary  = lipgloss.Color("#1e2a3d")
	DarkMuted      = lipgloss.Color("#6b7689")
	DarkBorder     = lipgloss.Color("#2a3850")
	DarkCard       = lipgloss.Color("#1a2536")

	// Semantic Colors (same in both modes)
	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#8BC34A")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Theme holds the current color scheme
type Theme struct {
	Background lipgloss.Color
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Secondary  lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	Card       lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light mode theme
func LightTheme() Theme {
	return Theme{
		Background: LightBackground,
		Foreground: LightForeground,
		Primary:    LightPrimary,
		Accent:     LightAccent,
		Secondary:  LightSecondary,
		Muted:      LightMuted,
		Border:     LightBorder,
		Card:       LightCard,
		IsDark:     false,
	}
}

// DarkTheme returns the dark mode theme
func DarkTheme() Theme {
	return Theme{
		Background: DarkBackground,
		Foreground: DarkForeground,
		Primary:    DarkPrimary,
		Accent:     DarkAccent,
		Secondary:  DarkSecondary,
		Muted:      DarkMuted,
		Border:     DarkBorder,
		Card:       DarkCard,
		IsDark:     true,
	}
}

// ResolveTheme maps the configured theme name to a Theme; "auto" (or
// anything unrecognized) falls back to terminal detection.
func ResolveTheme(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	case "dark":
		return DarkTheme()
	default:
		return DetectTheme()
	}
}

// DetectTheme auto-detects based on terminal hints, defaulting to dark.
func DetectTheme() Theme {
	// COLORFGBG is "foreground;background"; low background indexes
	// mean a dark terminal.
	if colorTerm := os.Getenv("COLORFGBG"); colorTerm != "" {
		parts := strings.Split(colorTerm, ";")
		if len(parts) == 2 {
			if bgIdx, err := strconv.Atoi(parts[1]); err == nil {
				if bgIdx == 7 || bgIdx == 15 {
					return LightTheme()
				}
				return DarkTheme()
			}
		}
	}

	if os.Getenv("LOCALCHAT_LIGHT_MODE") == "1" {
		return LightTheme()
	}

	return DarkTheme()
}

// Styles holds all the styled components
type Styles struct {
	Theme Theme

	// Layout
	Header  lipgloss.Style
	Footer  lipgloss.Style
	Content lipgloss.Style
	Sidebar lipgloss.Style

	// Text
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Body     lipgloss.Style
	Muted    lipgloss.Style
	Bold     lipgloss.Style

	// Chat
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserMessage    lipgloss.Style
	Phase          lipgloss.Style

	// Sidebar entries
	ConversationActive lipgloss.Style
	ConversationItem   lipgloss.Style

	// Status
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	// Tool calls
	ToolCall   lipgloss.Style
	ToolResult lipgloss.Style

	// Approval dialog
	Dialog        lipgloss.Style
	DialogTitle   lipgloss.Style
	DialogCommand lipgloss.Style
	DialogKeys    lipgloss.Style

	// Components
	Spinner lipgloss.Style
	Divider lipgloss.Style
	Badge   lipgloss.Style
}

// NewStyles creates a new Styles instance with the given theme
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Header: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Padding(0, 1).
			Bold(true),

		Footer: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Padding(0, 1),

		Content: lipgloss.NewStyle().
			Padding(0, 1),

		Sidebar: lipgloss.NewStyle().
			BorderRight(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(theme.Border).
			PaddingRight(1),

		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		Subtitle: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Italic(true),

		Body: lipgloss.NewStyle().
			Foreground(theme.Foreground),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Bold: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		UserLabel: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),

		AssistantLabel: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		UserMessage: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			PaddingLeft(2),

		Phase: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Italic(true),

		ConversationActive: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		ConversationItem: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Success: lipgloss.NewStyle().
			Foreground(Success).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(Info),

		ToolCall: lipgloss.NewStyle().
			Foreground(theme.Muted).
			PaddingLeft(2).
			Italic(true),

		ToolResult: lipgloss.NewStyle().
			Foreground(theme.Muted).
			PaddingLeft(4),

		Dialog: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Warning).
			Padding(1, 2),

		DialogTitle: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),

		DialogCommand: lipgloss.NewStyle().
			Background(theme.Card).
			Foreground(theme.Foreground).
			Padding(0, 1),

		DialogKeys: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Spinner: lipgloss.NewStyle().
			Foreground(theme.Accent),

		Divider: lipgloss.NewStyle().
			Foreground(theme.Border),

		Badge: lipgloss.NewStyle().
			Background(theme.Accent).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),
	}
}
