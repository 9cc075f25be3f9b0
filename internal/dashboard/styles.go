package dashboard

import "github.com/charmbracelet/lipgloss"

// Theme colors shared across the dashboard panels.
const (
	colorAccent    = "86"  // cyan/green, titles and highlights
	colorHighlight = "205" // magenta, borders and section headers
	colorDanger    = "196" // red
	colorWarning   = "208" // orange
	colorMuted     = "241" // gray
	colorText      = "252" // light gray
)

// Styles contains every style the dashboard renders with.
type Styles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Normal  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
	Hint    lipgloss.Style
}

// DefaultStyles returns the dashboard's default look.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorAccent)),
		Section: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorHighlight)),
		Normal: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorText)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorAccent)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorWarning)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorDanger)),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorMuted)).
			Padding(0, 1),
		Hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)),
	}
}

// Outcome icons for the recent-cycle list.
const (
	iconCommitted  = "✓"
	iconRolledBack = "✗"
	iconSkipped    = "⊘"
	iconHalted     = "⛔"
	iconRequeued   = "↻"
	iconRunning    = "●"
	iconIdle       = "○"
)
