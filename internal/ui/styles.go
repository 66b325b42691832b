package ui

import (
	"io"

	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color palette for the UI
type Theme struct {
	Primary   lipgloss.Color // commands, highlights
	Secondary lipgloss.Color // headers, borders
	Success   lipgloss.Color
	Error     lipgloss.Color
	Warning   lipgloss.Color // approval prompts
	Muted     lipgloss.Color // tool output, footers
	Text      lipgloss.Color
}

// DefaultTheme returns the default color theme (gruvbox)
func DefaultTheme() *Theme {
	return &Theme{
		Primary:   lipgloss.Color("#b8bb26"), // gruvbox green
		Secondary: lipgloss.Color("#83a598"), // gruvbox aqua
		Success:   lipgloss.Color("#b8bb26"),
		Error:     lipgloss.Color("#fb4934"), // gruvbox red
		Warning:   lipgloss.Color("#fabd2f"), // gruvbox yellow
		Muted:     lipgloss.Color("#928374"), // gruvbox gray
		Text:      lipgloss.Color("#ebdbb2"), // gruvbox foreground
	}
}

// Status indicators
const (
	StreamingIcon = "●"
	IdleIcon      = "○"
	SuccessIcon   = "✓"
	FailIcon      = "✗"
	ToolIcon      = "⏺"
	AskIcon       = "?"
)

// Styles returns styled text helpers bound to a renderer
type Styles struct {
	Title     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Command   lipgloss.Style
	Footer    lipgloss.Style
	Streaming lipgloss.Style
}

// NewStyles creates styles for output. Colors are dropped automatically when
// output is not a terminal.
func NewStyles(output io.Writer) *Styles {
	return NewStylesWithTheme(output, DefaultTheme())
}

func NewStylesWithTheme(output io.Writer, theme *Theme) *Styles {
	r := lipgloss.NewRenderer(output)
	return &Styles{
		Title:     r.NewStyle().Bold(true).Foreground(theme.Text),
		Muted:     r.NewStyle().Foreground(theme.Muted),
		Success:   r.NewStyle().Foreground(theme.Success),
		Error:     r.NewStyle().Foreground(theme.Error),
		Warning:   r.NewStyle().Bold(true).Foreground(theme.Warning),
		Command:   r.NewStyle().Bold(true).Foreground(theme.Primary),
		Footer:    r.NewStyle().Foreground(theme.Muted).Italic(true),
		Streaming: r.NewStyle().Foreground(theme.Secondary),
	}
}

// GlamourStyle creates a glamour StyleConfig from the given theme
func GlamourStyle(theme *Theme) ansi.StyleConfig {
	primary := string(theme.Primary)
	secondary := string(theme.Secondary)
	warning := string(theme.Warning)
	muted := string(theme.Muted)
	text := string(theme.Text)

	return ansi.StyleConfig{
		Document: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: &text},
		},
		BlockQuote: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: &warning, Italic: boolPtr(true)},
			Indent:         uintPtr(2),
		},
		List: ansi.StyleList{
			LevelIndent: 2,
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{Color: &text},
			},
		},
		Heading: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: &secondary, Bold: boolPtr(true), BlockSuffix: "\n"},
		},
		H1: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Prefix: "# ", Color: &primary, Bold: boolPtr(true)},
		},
		H2: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Prefix: "## "},
		},
		H3: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Prefix: "### "},
		},
		Strong: ansi.StylePrimitive{Bold: boolPtr(true)},
		Emph:   ansi.StylePrimitive{Italic: boolPtr(true)},
		HorizontalRule: ansi.StylePrimitive{
			Color:  &muted,
			Format: "\n────────\n",
		},
		Item:        ansi.StylePrimitive{BlockPrefix: "• "},
		Enumeration: ansi.StylePrimitive{BlockPrefix: ". "},
		Code: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: &primary},
		},
		CodeBlock: ansi.StyleCodeBlock{
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{Color: &muted},
				Margin:         uintPtr(2),
			},
		},
		Link:     ansi.StylePrimitive{Color: &secondary, Underline: boolPtr(true)},
		LinkText: ansi.StylePrimitive{Color: &secondary, Bold: boolPtr(true)},
	}
}

func boolPtr(b bool) *bool { return &b }
func uintPtr(u uint) *uint { return &u }
