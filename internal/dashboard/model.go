// Package dashboard is the fixdash observer TUI: a read-only poller of
// the loop's lock, live-status and history artifacts. It never writes
// anything, so it is safe to run alongside the loop or without one.
package dashboard

import (
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"fixpoint/internal/config"
)

// pollInterval is how often the artifacts are re-read.
const pollInterval = time.Second

// Model is the Bubble Tea model for fixdash.
type Model struct {
	cfg    *config.Config
	styles Styles

	snap     snapshot
	polled   bool
	viewport viewport.Model

	width  int
	height int
}

// Compile-time interface compliance check
var _ tea.Model = (*Model)(nil)

type (
	tickMsg     struct{}
	snapshotMsg struct{ snap snapshot }
)

// NewModel builds the dashboard for the given configuration.
func NewModel(cfg *config.Config) *Model {
	return &Model{
		cfg:      cfg,
		styles:   DefaultStyles(),
		viewport: viewport.New(80, 12),
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(cfg *config.Config) error {
	p := tea.NewProgram(NewModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// poll re-reads the artifacts off the update goroutine.
func (m *Model) poll() tea.Cmd {
	cfg := m.cfg
	return func() tea.Msg { return snapshotMsg{snap: collect(cfg)} }
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case snapshotMsg:
		m.snap = msg.snap
		m.polled = true
		m.viewport.SetContent(m.renderRecords())
		m.layout()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// layout sizes the record viewport to whatever the fixed panels leave.
// The top panel grows when workers appear, so this runs on every poll
// as well as on resize.
func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	m.viewport.Width = m.width
	top := lipgloss.Height(m.renderTop())
	h := m.height - top - 2
	if h < 3 {
		h = 3
	}
	m.viewport.Height = h
}
